// Package worker consumes pass-2 jobs from the per-category queues and runs
// them through the pipeline.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/pipeline"
)

// Runner executes a pass-2 job
type Runner interface {
	RunPass2(ctx context.Context, job domain.Job) error
}

// Source delivers jobs; *rabbitmq.Client implements it
type Source interface {
	Qos(prefetchCount int) error
	Consume(category, consumerTag string) (<-chan amqp.Delivery, error)
	NotifyClose() <-chan *amqp.Error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Source        Source
	Runner        Runner
	Requeue       pipeline.JobQueue
	Categories    []string
	Concurrency   int
	PrefetchCount int
	JobTimeout    time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger        *slog.Logger
	source        Source
	runner        Runner
	requeue       pipeline.JobQueue
	categories    []string
	concurrency   int
	prefetchCount int
	jobTimeout    time.Duration
	workerID      string
	jobsChan      chan *jobDelivery
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// jobDelivery pairs a decoded job with the delivery to acknowledge
type jobDelivery struct {
	msg      domain.JobMessage
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		source:        cfg.Source,
		runner:        cfg.Runner,
		requeue:       cfg.Requeue,
		categories:    cfg.Categories,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		jobTimeout:    cfg.JobTimeout,
		workerID:      "worker-" + uuid.NewString(),
		jobsChan:      make(chan *jobDelivery, cfg.Concurrency),
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start consumes every category queue until ctx is canceled or the
// connection drops.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("categories", w.categories),
	)

	if err := w.source.Qos(w.prefetchCount); err != nil {
		return err
	}
	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	var dispatchers sync.WaitGroup
	for _, category := range w.categories {
		deliveries, err := w.setupConsumer(category)
		if err != nil {
			return err
		}
		dispatchers.Add(1)
		go func() {
			defer dispatchers.Done()
			w.startMessageDispatcher(ctx, category, deliveries)
		}()
	}

	w.spawnWorkerPool(ctx)

	// the pool drains what the dispatchers handed over
	go func() {
		dispatchers.Wait()
		close(w.jobsChan)
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	case amqpErr, ok := <-w.source.NotifyClose():
		if !ok || amqpErr == nil {
			return fmt.Errorf("rabbitmq channel closed")
		}
		return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
