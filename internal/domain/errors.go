package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAssetNotFound is returned when an asset cannot be found in the document store
	ErrAssetNotFound = errors.New("asset not found")

	// ErrSourceGone is returned when the asset or its file vanished between stages
	ErrSourceGone = errors.New("source gone")

	// ErrProcessorNotFound is returned when no processor handles a category or name
	ErrProcessorNotFound = errors.New("processor not found")

	// ErrNoPass2 is returned when a pass-2 job names a processor without pass 2
	ErrNoPass2 = errors.New("processor has no pass 2")

	// ErrVariationNotFound is returned when a variation name is not declared
	ErrVariationNotFound = errors.New("variation not found")

	// ErrInvalidJob is returned when a queued job payload is malformed
	ErrInvalidJob = errors.New("invalid job payload")

	// ErrInterrupted is returned when a running job was stopped by shutdown.
	// The job keeps its attempt number and is delivered again.
	ErrInterrupted = errors.New("job interrupted")
)

// Stage names a processing stage in errors and events
type Stage string

const (
	StagePass1   Stage = "pass1"
	StagePass2   Stage = "pass2"
	StagePersist Stage = "persist"
)

// StageError carries the asset/variation context of a failed stage
type StageError struct {
	Stage     Stage
	AssetID   string
	Variation string
	Err       error
}

func (e *StageError) Error() string {
	if e.Variation == "" {
		return fmt.Sprintf("%s of %s failed: %v", e.Stage, e.AssetID, e.Err)
	}
	return fmt.Sprintf("%s of %s/%s failed: %v", e.Stage, e.AssetID, e.Variation, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
