package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/shared/logger"
	"github.com/cuongbtq/asset-pipeline/shared/rabbitmq"
)

type fakeRunner struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  func(job domain.Job) error
}

func (r *fakeRunner) RunPass2(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.err != nil {
		return r.err(job)
	}
	return nil
}

func (r *fakeRunner) ran() []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Job(nil), r.jobs...)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// fakeAck records how a delivery was settled
type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
	settled chan struct{}
}

func newFakeAck() *fakeAck {
	return &fakeAck{settled: make(chan struct{}, 16)}
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.settled:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d deliveries settled", i, n)
		}
	}
}

type fakeSource struct {
	deliveries map[string]chan amqp.Delivery
	closed     chan *amqp.Error
	prefetch   int
}

func newFakeSource(categories ...string) *fakeSource {
	s := &fakeSource{
		deliveries: make(map[string]chan amqp.Delivery),
		closed:     make(chan *amqp.Error, 1),
	}
	for _, c := range categories {
		s.deliveries[c] = make(chan amqp.Delivery, 8)
	}
	return s
}

func (s *fakeSource) Qos(prefetchCount int) error {
	s.prefetch = prefetchCount
	return nil
}

func (s *fakeSource) Consume(category, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, ok := s.deliveries[category]
	if !ok {
		return nil, errors.New("no such queue")
	}
	return ch, nil
}

func (s *fakeSource) NotifyClose() <-chan *amqp.Error {
	return s.closed
}

func newTestWorker(source Source, runner Runner, queue *fakeQueue) *Worker {
	return NewWorker(&Config{
		Logger:        logger.NewNop().Logger,
		Source:        source,
		Runner:        runner,
		Requeue:       queue,
		Categories:    []string{"image"},
		Concurrency:   2,
		PrefetchCount: 4,
		JobTimeout:    time.Second,
	})
}

func testJob() domain.Job {
	return domain.Job{
		JobID:     "0b5f3c52-52a4-4d8e-9a55-2f7a0fb8c0f1",
		AssetID:   "a1",
		Variation: "medium",
		Processor: "image",
		Category:  domain.CategoryImage,
		Attempt:   1,
	}
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, job domain.Job) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func TestShouldRequeueJob(t *testing.T) {
	w := newTestWorker(nil, nil, nil)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "invalid job", err: domain.ErrInvalidJob, want: false},
		{name: "source gone", err: &domain.StageError{Stage: domain.StagePass2, AssetID: "a1", Err: domain.ErrSourceGone}, want: false},
		{name: "retryable", err: domain.NewRetryableError(errors.New("disk full")), want: true},
		{name: "retryable wrapping source gone", err: domain.NewRetryableError(domain.ErrSourceGone), want: false},
		{
			name: "interrupted by shutdown",
			err:  domain.NewRetryableError(fmt.Errorf("%w: %w", domain.ErrInterrupted, &domain.StageError{Stage: domain.StagePass2, AssetID: "a1", Err: domain.ErrSourceGone})),
			want: true,
		},
		{name: "unknown", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.shouldRequeueJob(tt.err))
		})
	}
}

func TestDecodeJob(t *testing.T) {
	valid := testJob()

	tests := []struct {
		name    string
		body    func() []byte
		wantErr bool
	}{
		{
			name: "valid job",
			body: func() []byte { b, _ := json.Marshal(valid); return b },
		},
		{
			name:    "not json",
			body:    func() []byte { return []byte("{") },
			wantErr: true,
		},
		{
			name: "job id is not a uuid",
			body: func() []byte {
				j := valid
				j.JobID = "job-1"
				b, _ := json.Marshal(j)
				return b
			},
			wantErr: true,
		},
		{
			name: "missing asset",
			body: func() []byte {
				j := valid
				j.AssetID = ""
				b, _ := json.Marshal(j)
				return b
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := decodeJob(tt.body())
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidJob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, valid.Key(), job.Key())
			assert.Equal(t, 1, job.Attempt)
		})
	}
}

func TestProcessJob(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		runner := &fakeRunner{}
		queue := &fakeQueue{}
		w := newTestWorker(nil, runner, queue)

		require.NoError(t, w.processJob(context.Background(), testJob()))
		assert.Len(t, runner.ran(), 1)
		assert.Empty(t, queue.jobs)
	})

	t.Run("retryable failure is republished with the next attempt", func(t *testing.T) {
		runner := &fakeRunner{err: func(domain.Job) error {
			return domain.NewRetryableError(errors.New("transient"))
		}}
		queue := &fakeQueue{}
		w := newTestWorker(nil, runner, queue)

		require.NoError(t, w.processJob(context.Background(), testJob()))
		require.Len(t, queue.jobs, 1)
		assert.Equal(t, 2, queue.jobs[0].Attempt)
		assert.Equal(t, testJob().JobID, queue.jobs[0].JobID)
	})

	t.Run("failed republish asks the broker to requeue", func(t *testing.T) {
		runner := &fakeRunner{err: func(domain.Job) error {
			return domain.NewRetryableError(errors.New("transient"))
		}}
		w := newTestWorker(nil, runner, &fakeQueue{err: errors.New("channel closed")})

		err := w.processJob(context.Background(), testJob())
		require.Error(t, err)
		assert.True(t, w.shouldRequeueJob(err))
	})

	t.Run("interrupted job is handed back without a new attempt", func(t *testing.T) {
		runner := &fakeRunner{err: func(domain.Job) error {
			return domain.NewRetryableError(fmt.Errorf("%w: %w", domain.ErrInterrupted, context.Canceled))
		}}
		queue := &fakeQueue{}
		w := newTestWorker(nil, runner, queue)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := w.processJob(ctx, testJob())
		assert.ErrorIs(t, err, domain.ErrInterrupted)
		assert.True(t, w.shouldRequeueJob(err))
		assert.Empty(t, queue.jobs)
	})

	t.Run("terminal failure", func(t *testing.T) {
		stageErr := &domain.StageError{Stage: domain.StagePass2, AssetID: "a1", Variation: "medium", Err: domain.ErrSourceGone}
		runner := &fakeRunner{err: func(domain.Job) error { return stageErr }}
		queue := &fakeQueue{}
		w := newTestWorker(nil, runner, queue)

		err := w.processJob(context.Background(), testJob())
		assert.ErrorIs(t, err, domain.ErrSourceGone)
		assert.Empty(t, queue.jobs)
	})

	t.Run("job timeout reaches the runner", func(t *testing.T) {
		w := newTestWorker(nil, deadlineRunner{}, &fakeQueue{})
		w.jobTimeout = 20 * time.Millisecond

		err := w.processJob(context.Background(), testJob())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

type deadlineRunner struct{}

func (deadlineRunner) RunPass2(ctx context.Context, job domain.Job) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWorker_Start(t *testing.T) {
	source := newFakeSource("image")
	runner := &fakeRunner{err: func(job domain.Job) error {
		if job.Variation == "broken" {
			return &domain.StageError{Stage: domain.StagePass2, AssetID: job.AssetID, Err: domain.ErrVariationNotFound}
		}
		return nil
	}}
	w := newTestWorker(source, runner, &fakeQueue{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	ack := newFakeAck()
	ok := testJob()
	broken := testJob()
	broken.Variation = "broken"

	source.deliveries["image"] <- delivery(t, ack, 1, ok)
	source.deliveries["image"] <- delivery(t, ack, 2, broken)
	source.deliveries["image"] <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("garbage")}

	ack.wait(t, 3)

	cancel()
	require.NoError(t, <-done)
	w.Stop()

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.ElementsMatch(t, []uint64{2, 3}, ack.nacked)
	assert.Equal(t, []bool{false, false}, ack.requeue)
	assert.Equal(t, 4, source.prefetch)
	assert.Len(t, runner.ran(), 2)
}

// blockingRunner holds every job until release is closed
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) RunPass2(ctx context.Context, job domain.Job) error {
	r.started <- struct{}{}
	<-r.release
	return nil
}

func TestWorker_StopWhileDispatching(t *testing.T) {
	source := newFakeSource("image")
	runner := &blockingRunner{started: make(chan struct{}, 4), release: make(chan struct{})}
	w := NewWorker(&Config{
		Logger:        logger.NewNop().Logger,
		Source:        source,
		Runner:        runner,
		Requeue:       &fakeQueue{},
		Categories:    []string{"image"},
		Concurrency:   1,
		PrefetchCount: 3,
		JobTimeout:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	ack := newFakeAck()
	for tag := uint64(1); tag <= 3; tag++ {
		source.deliveries["image"] <- delivery(t, ack, tag, testJob())
	}

	// job 1 is running, job 2 fills the pool buffer, job 3 waits in the dispatcher
	<-runner.started
	require.Eventually(t, func() bool {
		return len(source.deliveries["image"]) == 0 && len(w.jobsChan) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	ack.wait(t, 1)
	ack.mu.Lock()
	assert.Equal(t, []uint64{3}, ack.nacked)
	assert.Equal(t, []bool{true}, ack.requeue)
	ack.mu.Unlock()

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWorker_StartReturnsOnConnectionClose(t *testing.T) {
	source := newFakeSource("image")
	w := newTestWorker(source, &fakeRunner{}, &fakeQueue{})

	source.closed <- amqp.ErrClosed

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rabbitmq channel closed")
	w.Stop()
}

type recordingClient struct {
	msgs []rabbitmq.Message
	err  error
}

func (c *recordingClient) PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublisher_Enqueue(t *testing.T) {
	client := &recordingClient{}
	p := NewPublisher(client, logger.NewNop().Logger)

	job := testJob()
	require.NoError(t, p.Enqueue(context.Background(), job))

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "image", msg.RoutingKey)
	assert.Equal(t, job.JobID, msg.MessageID)
	assert.Equal(t, "a1:medium", msg.CorrelationID)

	decoded, err := decodeJob(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, job.Key(), decoded.Key())

	client.err = errors.New("down")
	assert.Error(t, p.Enqueue(context.Background(), job))
}
