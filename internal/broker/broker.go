// Package broker implements the Notification Broker: a shared counter plus a
// publish/subscribe channel per queue key. Processes waiting on an artifact
// register callbacks locally; the process that finishes the work publishes
// once and every subscribed process resolves its own callbacks.
package broker

import (
	"context"
	"errors"

	"github.com/zeebo/errs"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Error is the class of broker infrastructure errors.
var Error = errs.Class("broker")

// ErrNotQueued is returned by AddCallback when the key has no counter, i.e.
// the work concluded between the caller's IsQueued check and registration.
var ErrNotQueued = errors.New("key is not queued")

// Message is published once processing for a key concludes.
type Message struct {
	AssetID   string `json:"asset_id"`
	Variation string `json:"variation,omitempty"`
	Success   bool   `json:"success"`
	// Final is false for a pass-1 wake-up that leaves the key queued for
	// pass 2.
	Final bool `json:"final"`
}

// Callback is a local waiting callback. It is invoked exactly once.
type Callback func(Message)

// Broker coordinates waiting callbacks across processes.
type Broker interface {
	// InitCounter marks key as queued. Idempotent.
	InitCounter(ctx context.Context, key domain.QueueKey) error
	// IsQueued reports whether key has a counter.
	IsQueued(ctx context.Context, key domain.QueueKey) (bool, error)
	// AddCallback increments the counter and registers cb locally.
	AddCallback(ctx context.Context, key domain.QueueKey, cb Callback) error
	// Publish notifies every subscribed process. A final message clears the
	// counter.
	Publish(ctx context.Context, key domain.QueueKey, msg Message) error
	Close() error
}
