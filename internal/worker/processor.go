package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// processJob runs pass 2 for one job. A retryable failure is republished
// with the next attempt number and reported as handled; the returned error
// drives the NACK decision otherwise. An interrupted job is handed back
// as is.
func (w *Worker) processJob(ctx context.Context, job domain.Job) error {
	started := w.now()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	err := w.runner.RunPass2(jobCtx, job)
	if err == nil {
		w.logger.Info("Pass 2 finished",
			slog.String("job_id", job.JobID),
			slog.String("key", string(job.Key())),
			slog.Duration("took", w.now().Sub(started)),
		)
		return nil
	}

	if errors.Is(err, domain.ErrInterrupted) {
		w.logger.Warn("Job interrupted, returning it to the queue",
			slog.String("job_id", job.JobID),
			slog.Int("attempt", job.Attempt),
		)
		return err
	}

	var retryableErr *domain.RetryableError
	if !errors.As(err, &retryableErr) {
		return err
	}

	next := job
	next.Attempt = job.Attempt + 1
	next.EnqueuedAt = w.now().UTC()

	// republish outside jobCtx, which may be the reason we failed
	pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer pubCancel()

	if pubErr := w.requeue.Enqueue(pubCtx, next); pubErr != nil {
		w.logger.Error("Failed to republish job, falling back to broker requeue",
			slog.String("job_id", job.JobID),
			slog.Any("error", pubErr),
		)
		return domain.NewRetryableError(fmt.Errorf("republish failed: %w", pubErr))
	}

	w.logger.Warn("Job will be retried",
		slog.String("job_id", job.JobID),
		slog.Int("next_attempt", next.Attempt),
		slog.Any("error", err),
	)
	return nil
}
