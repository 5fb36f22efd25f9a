package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Int("worker_num", workerNum),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case jd, ok := <-w.jobsChan:
			if !ok {
				w.logger.Debug("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}
			w.handle(ctx, workerName, jd)
		}
	}
}

// handle runs one job and settles its delivery
func (w *Worker) handle(ctx context.Context, workerName string, jd *jobDelivery) {
	job := jd.msg.Job
	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.String("key", string(job.Key())),
		slog.Int("attempt", job.Attempt),
		slog.Uint64("delivery_tag", jd.msg.DeliveryTag),
	)

	err := w.processJob(ctx, job)
	if err == nil {
		if ackErr := jd.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", job.JobID),
				slog.Any("error", ackErr),
			)
			return
		}
		w.logger.Info("Job completed successfully",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.JobID),
		)
		return
	}

	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.Any("error", err),
	)

	requeue := w.shouldRequeueJob(err)
	if nackErr := jd.delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.JobID),
			slog.Any("error", nackErr),
		)
		return
	}
	w.logger.Info("Message NACKed",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.Bool("requeue", requeue),
	)
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrInvalidJob) {
		return false
	}

	if errors.Is(err, domain.ErrInterrupted) {
		return true
	}

	// the asset is gone, nothing will ever succeed
	if errors.Is(err, domain.ErrSourceGone) {
		return false
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	return false
}
