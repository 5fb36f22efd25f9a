// Package pipeline runs the two-pass post-processing of uploaded assets and
// lets request handlers wait for a variation that is not ready yet.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/asset-pipeline/internal/broker"
	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/lock"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
)

var errFileGone = errors.New("file gone before pass 1 could start")

// AssetStore is the subset of the document store the pipeline needs
type AssetStore interface {
	Get(ctx context.Context, id string) (*domain.Asset, error)
	UpdateMetadata(ctx context.Context, id string, meta domain.Metadata) (*domain.Asset, error)
	UpdateVariation(ctx context.Context, id, variation string, data domain.Metadata) (*domain.Asset, error)
}

// Dependencies wires a Coordinator
type Dependencies struct {
	Assets   AssetStore
	Layout   *filestore.Layout
	Locks    *lock.Manager
	Broker   broker.Broker
	Queue    JobQueue
	Registry *processor.Registry
	Logger   *slog.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMaxAttempts sets how many times pass 2 runs before a failure is final
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithPass1Concurrency bounds parallel pass-1 stages per upload
func WithPass1Concurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pass1Limit = n
		}
	}
}

// Coordinator drives each (asset, variation) pair through pass 1, the
// pass-2 queue and metadata persistence, and notifies waiting callers.
type Coordinator struct {
	assets   AssetStore
	layout   *filestore.Layout
	locks    *lock.Manager
	broker   broker.Broker
	queue    JobQueue
	registry *processor.Registry
	storage  *StorageCoordinator
	states   *StateTable
	events   emitter
	logger   *slog.Logger

	maxAttempts int
	pass1Limit  int
	now         func() time.Time

	wg sync.WaitGroup
}

// New creates a Coordinator. A logging event handler is always installed.
func New(deps Dependencies, opts ...Option) *Coordinator {
	c := &Coordinator{
		assets:      deps.Assets,
		layout:      deps.Layout,
		locks:       deps.Locks,
		broker:      deps.Broker,
		queue:       deps.Queue,
		registry:    deps.Registry,
		storage:     NewStorageCoordinator(deps.Assets, deps.Layout, deps.Locks, deps.Logger),
		states:      NewStateTable(),
		logger:      deps.Logger,
		maxAttempts: 1,
		pass1Limit:  4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events.on(logEvents(deps.Logger))
	return c
}

// OnEvent registers an event handler
func (c *Coordinator) OnEvent(h EventHandler) {
	c.events.on(h)
}

// States exposes the in-process state table
func (c *Coordinator) States() *StateTable {
	return c.states
}

// Postprocess marks the original (unless onlyVariations) and every variation
// of asset as queued, then starts pass 1 for them in the background. It
// returns once every key is queued; Wait blocks until the pass-1 stages
// started here have finished.
func (c *Coordinator) Postprocess(ctx context.Context, asset *domain.Asset, onlyVariations bool) error {
	proc, err := c.registry.ForAsset(asset)
	if err != nil {
		return err
	}
	specs := proc.Variations(asset.FileType)

	keys := make([]domain.QueueKey, 0, len(specs)+1)
	if !onlyVariations {
		keys = append(keys, domain.NewQueueKey(asset.ID, ""))
	}
	for _, v := range specs {
		keys = append(keys, domain.NewQueueKey(asset.ID, v.Name))
	}
	for _, key := range keys {
		if err := c.broker.InitCounter(ctx, key); err != nil {
			return fmt.Errorf("failed to init counter for %s: %w", key, err)
		}
		c.transition(key, domain.StateInitialized)
	}

	c.logger.Info("Post-processing asset",
		slog.String("asset_id", asset.ID),
		slog.String("processor", proc.Name()),
		slog.Int("variations", len(specs)),
		slog.Bool("only_variations", onlyVariations),
	)

	bg := context.WithoutCancel(ctx)
	asset = asset.Clone()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		var g errgroup.Group
		g.SetLimit(c.pass1Limit)
		if !onlyVariations {
			g.Go(func() error {
				c.processOriginal(bg, asset, proc)
				return nil
			})
		}
		for i := range specs {
			variation := &specs[i]
			g.Go(func() error {
				c.runPass1(bg, asset, proc, variation)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return nil
}

// Wait blocks until background pass-1 stages have finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Drain is Wait bounded by ctx
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processOriginal has no pass 1; it records the original's metadata before
// handing it to pass 2.
func (c *Coordinator) processOriginal(ctx context.Context, asset *domain.Asset, proc processor.Processor) {
	key := domain.NewQueueKey(asset.ID, "")
	c.transition(key, domain.StatePass1Running)
	c.emit(EventStarted, asset, nil, proc, nil)

	updated, err := c.storage.Persist(ctx, asset, nil, proc)
	if err != nil {
		c.fail(ctx, asset, nil, proc, &domain.StageError{Stage: domain.StagePass1, AssetID: asset.ID, Err: err})
		return
	}
	c.emit(EventProcessed, updated, nil, proc, nil)

	c.finishPass1(ctx, updated, proc, nil, false)
}

func (c *Coordinator) runPass1(ctx context.Context, asset *domain.Asset, proc processor.Processor, variation *domain.VariationSpec) {
	key := domain.NewQueueKey(asset.ID, variation.Name)
	c.transition(key, domain.StatePass1Running)
	c.emit(EventStarted, asset, variation, proc, nil)

	p1, ok := proc.(processor.Pass1er)
	if !ok {
		c.finishPass1(ctx, asset, proc, variation, false)
		return
	}

	stageErr := func(err error) error {
		return &domain.StageError{Stage: domain.StagePass1, AssetID: asset.ID, Variation: variation.Name, Err: err}
	}

	// the snapshot may predate an activation
	fresh, err := c.assets.Get(ctx, asset.ID)
	if errors.Is(err, domain.ErrAssetNotFound) {
		c.fail(ctx, asset, variation, proc, stageErr(domain.ErrSourceGone))
		return
	}
	if err != nil {
		c.fail(ctx, asset, variation, proc, stageErr(fmt.Errorf("failed to load asset: %w", err)))
		return
	}
	asset = fresh

	dest := c.layout.TempPath(asset, variation, domain.StagePass1)
	produced := false
	err = c.locks.WithLock(ctx, asset.ID, variation.Name, func() error {
		// the original stays put while it is read
		return c.locks.WithLock(ctx, asset.ID, "", func() error {
			src, ok := c.originalPath(asset)
			if !ok {
				return errFileGone
			}
			if err := filestore.Prepare(dest); err != nil {
				return err
			}
			ok, err := p1.Pass1(ctx, src, dest, asset, variation)
			if err != nil || !ok {
				return err
			}
			produced = true
			return filestore.Replace(dest, c.layout.Path(asset, variation))
		})
	})
	if err != nil || !produced {
		if rmErr := filestore.Remove(dest); rmErr != nil {
			c.logger.Warn("Failed to remove partial output", slog.String("path", dest), slog.Any("error", rmErr))
		}
	}
	if err != nil {
		c.fail(ctx, asset, variation, proc, stageErr(err))
		return
	}

	if produced {
		updated, err := c.storage.Persist(ctx, asset, variation, proc)
		if err != nil {
			c.fail(ctx, asset, variation, proc, stageErr(err))
			return
		}
		asset = updated
		c.emit(EventProcessed, asset, variation, proc, nil)
	}

	c.finishPass1(ctx, asset, proc, variation, produced)
}

// originalPath finds the original in the asset's tier, or in the other tier
// when a move has not happened yet.
func (c *Coordinator) originalPath(asset *domain.Asset) (string, bool) {
	path := c.layout.Path(asset, nil)
	if filestore.Exists(path) {
		return path, true
	}
	path = c.layout.PathIn(asset, nil, c.layout.TierOf(asset).Opposite())
	return path, filestore.Exists(path)
}

// finishPass1 wakes callers early when pass 1 produced something, and either
// queues pass 2 or concludes the key.
func (c *Coordinator) finishPass1(ctx context.Context, asset *domain.Asset, proc processor.Processor, variation *domain.VariationSpec, produced bool) {
	name := domain.VariationName(variation)
	key := domain.NewQueueKey(asset.ID, name)

	c.transition(key, domain.StatePass1Done)
	c.events.emit(Event{
		Kind:      EventFinishedPass1,
		AssetID:   asset.ID,
		Variation: name,
		Processor: proc.Name(),
		Asset:     asset,
		Produced:  produced,
	})

	if !processor.HasPass2(proc) {
		c.transition(key, domain.StateDone)
		c.publish(ctx, key, broker.Message{AssetID: asset.ID, Variation: name, Success: true, Final: true})
		return
	}

	if produced {
		c.publish(ctx, key, broker.Message{AssetID: asset.ID, Variation: name, Success: true})
	}

	job := domain.Job{
		JobID:      uuid.NewString(),
		AssetID:    asset.ID,
		Variation:  name,
		Processor:  proc.Name(),
		Category:   proc.Category(),
		Attempt:    1,
		EnqueuedAt: c.now().UTC(),
	}

	c.transition(key, domain.StatePass2Queued)
	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.fail(ctx, asset, variation, proc, &domain.StageError{Stage: domain.StagePass2, AssetID: asset.ID, Variation: name, Err: fmt.Errorf("failed to enqueue: %w", err)})
		return
	}
	c.states.Handoff(key)
}

// RunPass2 executes one queued job. A *domain.RetryableError means the job
// should be queued again with the next attempt; waiting callers stay armed.
// When ctx was canceled the error also wraps domain.ErrInterrupted and the
// attempt is not used up. Any other error is final and has already been
// published to waiters.
func (c *Coordinator) RunPass2(ctx context.Context, job domain.Job) error {
	key := job.Key()
	c.transition(key, domain.StatePass2Running)

	proc, err := c.registry.ByName(job.Processor)
	if err != nil {
		return c.failPass2(ctx, job, nil, nil, err)
	}
	p2, ok := proc.(processor.Pass2er)
	if !ok {
		return c.failPass2(ctx, job, nil, proc, domain.ErrNoPass2)
	}

	asset, err := c.assets.Get(ctx, job.AssetID)
	if errors.Is(err, domain.ErrAssetNotFound) {
		return c.failPass2(ctx, job, nil, proc, domain.ErrSourceGone)
	}
	if err != nil {
		return c.failPass2(ctx, job, nil, proc, fmt.Errorf("failed to load asset: %w", err))
	}

	variation, err := processor.Variation(proc, asset.FileType, job.Variation)
	if err != nil {
		return c.failPass2(ctx, job, asset, proc, err)
	}

	c.emit(EventStarted, asset, variation, proc, nil)

	target := c.layout.Path(asset, variation)
	src := target
	if !filestore.Exists(src) {
		var ok bool
		if src, ok = c.originalPath(asset); !ok {
			return c.failPass2(ctx, job, asset, proc, domain.ErrSourceGone)
		}
	}

	dest := c.layout.TempPath(asset, variation, domain.StagePass2)
	err = c.locks.WithLock(ctx, asset.ID, job.Variation, func() error {
		if err := filestore.Prepare(dest); err != nil {
			return err
		}
		if err := p2.Pass2(ctx, src, dest, asset, variation); err != nil {
			return err
		}
		if !filestore.Exists(dest) {
			return nil
		}
		return filestore.Replace(dest, target)
	})
	if err != nil {
		if rmErr := filestore.Remove(dest); rmErr != nil {
			c.logger.Warn("Failed to remove partial output", slog.String("path", dest), slog.Any("error", rmErr))
		}
		return c.failPass2(ctx, job, asset, proc, err)
	}

	updated, err := c.storage.Persist(ctx, asset, variation, proc)
	if err != nil {
		return c.failPass2(ctx, job, asset, proc, err)
	}
	c.emit(EventProcessed, updated, variation, proc, nil)

	c.transition(key, domain.StateDone)
	c.emit(EventFinishedPass2, updated, variation, proc, nil)
	c.publish(ctx, key, broker.Message{AssetID: job.AssetID, Variation: job.Variation, Success: true, Final: true})

	return nil
}

func (c *Coordinator) failPass2(ctx context.Context, job domain.Job, asset *domain.Asset, proc processor.Processor, err error) error {
	key := job.Key()
	stageErr := &domain.StageError{Stage: domain.StagePass2, AssetID: job.AssetID, Variation: job.Variation, Err: err}

	// shutdown is not a failure; the job runs again on redelivery
	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Warn("Pass 2 interrupted",
			slog.String("queue_key", string(key)),
			slog.Int("attempt", job.Attempt),
			slog.Any("error", err),
		)
		c.transition(key, domain.StatePass2Queued)
		c.states.Handoff(key)
		return domain.NewRetryableError(fmt.Errorf("%w: %w", domain.ErrInterrupted, stageErr))
	}

	c.events.emit(Event{
		Kind:      EventError,
		AssetID:   job.AssetID,
		Variation: job.Variation,
		Processor: job.Processor,
		Asset:     asset,
		Err:       stageErr,
	})

	if !c.terminal(job, err) {
		c.transition(key, domain.StatePass2Queued)
		c.states.Handoff(key)
		return domain.NewRetryableError(stageErr)
	}

	c.transition(key, domain.StateFailed)
	c.publish(ctx, key, broker.Message{AssetID: job.AssetID, Variation: job.Variation, Success: false, Final: true})
	return stageErr
}

func (c *Coordinator) terminal(job domain.Job, err error) bool {
	switch {
	case errors.Is(err, domain.ErrSourceGone),
		errors.Is(err, domain.ErrProcessorNotFound),
		errors.Is(err, domain.ErrNoPass2),
		errors.Is(err, domain.ErrVariationNotFound):
		return true
	}
	return job.Attempt >= c.maxAttempts
}

// fail concludes a key that failed outside pass 2
func (c *Coordinator) fail(ctx context.Context, asset *domain.Asset, variation *domain.VariationSpec, proc processor.Processor, err error) {
	name := domain.VariationName(variation)
	key := domain.NewQueueKey(asset.ID, name)

	c.transition(key, domain.StateFailed)
	c.emit(EventError, asset, variation, proc, err)
	c.publish(ctx, key, broker.Message{AssetID: asset.ID, Variation: name, Success: false, Final: true})
}

func (c *Coordinator) emit(kind EventKind, asset *domain.Asset, variation *domain.VariationSpec, proc processor.Processor, err error) {
	ev := Event{
		Kind:      kind,
		AssetID:   asset.ID,
		Variation: domain.VariationName(variation),
		Asset:     asset,
		Err:       err,
	}
	if proc != nil {
		ev.Processor = proc.Name()
	}
	c.events.emit(ev)
}

func (c *Coordinator) transition(key domain.QueueKey, to domain.State) {
	if err := c.states.Transition(key, to); err != nil {
		c.logger.Warn("Rejected state transition", slog.String("queue_key", string(key)), slog.Any("error", err))
	}
}

func (c *Coordinator) publish(ctx context.Context, key domain.QueueKey, msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.broker.Publish(ctx, key, msg); err != nil {
		c.logger.Error("Failed to publish completion",
			slog.String("queue_key", string(key)),
			slog.Bool("success", msg.Success),
			slog.Any("error", err),
		)
	}
}
