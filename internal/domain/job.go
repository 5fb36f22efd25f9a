package domain

import "time"

// Job is a pass-2 work item for the durable per-category queue
type Job struct {
	JobID      string    `json:"job_id"`
	AssetID    string    `json:"asset_id"`
	Variation  string    `json:"variation,omitempty"`
	Processor  string    `json:"processor"`
	Category   Category  `json:"category"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key returns the job's correlation id
func (j *Job) Key() QueueKey {
	return NewQueueKey(j.AssetID, j.Variation)
}

// JobMessage represents a job delivery from RabbitMQ
type JobMessage struct {
	Job         Job
	DeliveryTag uint64
}
