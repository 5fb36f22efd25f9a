package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/shared/rabbitmq"
)

// MessagePublisher sends a message to the exchange; *rabbitmq.Client
// implements it
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Publisher puts pass-2 jobs on the durable per-category queues.
type Publisher struct {
	client MessagePublisher
	logger *slog.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(client MessagePublisher, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Enqueue publishes job to its category's queue
func (p *Publisher) Enqueue(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	msg := rabbitmq.Message{
		RoutingKey:    string(job.Category),
		Body:          body,
		ContentType:   "application/json",
		MessageID:     job.JobID,
		CorrelationID: string(job.Key()),
		Headers: map[string]any{
			"attempt":   int32(job.Attempt),
			"processor": job.Processor,
		},
	}

	if err := p.client.PublishWithRetry(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.JobID, err)
	}

	p.logger.Debug("Job published",
		slog.String("job_id", job.JobID),
		slog.String("category", string(job.Category)),
		slog.Int("attempt", job.Attempt),
	)
	return nil
}
