package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// JobQueue is the durable per-category pass-2 queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// Runner executes a pass-2 job
type Runner func(ctx context.Context, job domain.Job) error

// LocalQueue runs pass-2 jobs on goroutines of the current process and
// re-enqueues retryable failures. It backs tests and single-node setups.
type LocalQueue struct {
	mu     sync.RWMutex
	run    Runner
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewLocalQueue creates a queue; Bind must be called before Enqueue
func NewLocalQueue(logger *slog.Logger) *LocalQueue {
	return &LocalQueue{logger: logger}
}

// Bind sets the runner, normally Coordinator.RunPass2
func (q *LocalQueue) Bind(run Runner) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.run = run
}

// Enqueue implements JobQueue
func (q *LocalQueue) Enqueue(ctx context.Context, job domain.Job) error {
	q.mu.RLock()
	run := q.run
	q.mu.RUnlock()
	if run == nil {
		return errors.New("local queue has no runner")
	}

	ctx = context.WithoutCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		err := run(ctx, job)
		var retryable *domain.RetryableError
		if errors.As(err, &retryable) {
			job.Attempt++
			q.logger.Warn("Retrying job",
				slog.String("job_id", job.JobID),
				slog.Int("attempt", job.Attempt),
				slog.Any("error", err),
			)
			if err := q.Enqueue(ctx, job); err != nil {
				q.logger.Error("Failed to requeue job", slog.String("job_id", job.JobID), slog.Any("error", err))
			}
		}
	}()
	return nil
}

// Wait blocks until every job, including retries, has run
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
