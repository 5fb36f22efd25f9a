package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// setupConsumer starts consuming one category's queue
func (w *Worker) setupConsumer(category string) (<-chan amqp.Delivery, error) {
	consumerTag := w.workerID + "-" + category

	// auto-ack is off; the pool acks after the job ran
	deliveries, err := w.source.Consume(category, consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", category, err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("worker_id", w.workerID),
		slog.String("category", category),
	)

	return deliveries, nil
}

// decodeJob parses and validates a delivery body
func decodeJob(body []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
	}
	if _, err := uuid.Parse(job.JobID); err != nil {
		return job, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidJob, job.JobID)
	}
	if job.AssetID == "" || job.Processor == "" {
		return job, fmt.Errorf("%w: asset_id and processor are required", domain.ErrInvalidJob)
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return job, nil
}

// startMessageDispatcher decodes deliveries and hands them to the pool
func (w *Worker) startMessageDispatcher(ctx context.Context, category string, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
		slog.String("category", category),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled", slog.String("category", category))
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - worker stopping", slog.String("category", category))
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed", slog.String("category", category))
				return
			}

			job, err := decodeJob(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping malformed job",
					slog.String("category", category),
					slog.String("body", string(delivery.Body)),
					slog.Any("error", err),
				)
				// malformed messages go to the dead-letter path
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}

			jd := &jobDelivery{
				msg:      domain.JobMessage{Job: job, DeliveryTag: delivery.DeliveryTag},
				delivery: delivery,
			}

			select {
			case w.jobsChan <- jd:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", job.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// hand it back so another worker picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.Any("error", nackErr))
				}
				return
			case <-w.stopChan:
				w.logger.Info("Message dispatcher stopped while dispatching job - worker stopping")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on stop", slog.Any("error", nackErr))
				}
				return
			}
		}
	}
}
