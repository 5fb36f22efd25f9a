package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/asset-pipeline/internal/assetstore"
	"github.com/cuongbtq/asset-pipeline/internal/broker"
	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/lock"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
)

var defaultSpecs = []domain.VariationSpec{
	{Name: "medium", Width: 393, Height: 233},
	{Name: "square", Width: 120, Height: 120},
}

type passFunc1 func(ctx context.Context, src, dest string, asset *domain.Asset, v *domain.VariationSpec) (bool, error)
type passFunc2 func(ctx context.Context, src, dest string, asset *domain.Asset, v *domain.VariationSpec) error

// stubProc writes marker files instead of media.
type stubProc struct {
	specs  []domain.VariationSpec
	pass1  passFunc1
	pass2  passFunc2
	metaFn func(path string) (domain.Metadata, error)
}

func newStub() *stubProc {
	return &stubProc{specs: defaultSpecs}
}

func (p *stubProc) Name() string              { return "stub" }
func (p *stubProc) Category() domain.Category { return domain.CategoryImage }

func (p *stubProc) Variations(string) []domain.VariationSpec {
	out := make([]domain.VariationSpec, len(p.specs))
	copy(out, p.specs)
	return out
}

func (p *stubProc) Metadata(_ context.Context, _ *domain.Asset, _ *domain.VariationSpec, path string) (domain.Metadata, error) {
	if p.metaFn != nil {
		return p.metaFn(path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return domain.Metadata{"width": 10, "height": 5, "secret": "raw"}, nil
}

func (p *stubProc) VariationData(meta domain.Metadata) domain.Metadata {
	return processor.Pick(meta, "width")
}

func (p *stubProc) runPass1(ctx context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) (bool, error) {
	if p.pass1 != nil {
		return p.pass1(ctx, src, dest, a, v)
	}
	return true, os.WriteFile(dest, []byte("pass1 "+v.Name), 0o644)
}

func (p *stubProc) runPass2(ctx context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) error {
	if p.pass2 != nil {
		return p.pass2(ctx, src, dest, a, v)
	}
	return os.WriteFile(dest, []byte("pass2 "+domain.VariationName(v)), 0o644)
}

type pass1Only struct{ *stubProc }

func (p pass1Only) Pass1(ctx context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) (bool, error) {
	return p.runPass1(ctx, src, dest, a, v)
}

type pass2Only struct{ *stubProc }

func (p pass2Only) Pass2(ctx context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) error {
	return p.runPass2(ctx, src, dest, a, v)
}

type twoPass struct{ *stubProc }

func (p twoPass) Pass1(ctx context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) (bool, error) {
	return p.runPass1(ctx, src, dest, a, v)
}

func (p twoPass) Pass2(ctx context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) error {
	return p.runPass2(ctx, src, dest, a, v)
}

// manualQueue holds jobs until the test runs them.
type manualQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (q *manualQueue) Enqueue(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *manualQueue) take() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func (q *manualQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// harness simulates an API process and a worker process sharing the
// document store, the filesystem and the broker hub.
type harness struct {
	t            *testing.T
	store        *assetstore.Memory
	layout       *filestore.Layout
	locks        *lock.Manager
	mover        *filestore.Mover
	hub          *broker.Hub
	apiBroker    *broker.Memory
	workerBroker *broker.Memory
	local        *LocalQueue
	api          *Coordinator
	worker       *Coordinator
}

func newHarness(t *testing.T, proc processor.Processor, queue JobQueue, opts ...Option) *harness {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	layout, err := filestore.NewLayout(filepath.Join(root, "protected"), filepath.Join(root, "public"))
	require.NoError(t, err)
	locks, err := lock.NewManager(filepath.Join(root, "locks"), logger, lock.WithPollInterval(2*time.Millisecond))
	require.NoError(t, err)
	registry, err := processor.NewRegistry(proc)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		store:  assetstore.NewMemory(),
		layout: layout,
		locks:  locks,
		mover:  filestore.NewMover(layout, locks, logger),
		hub:    broker.NewHub(),
		local:  NewLocalQueue(logger),
	}
	h.apiBroker = broker.NewMemory(h.hub)
	h.workerBroker = broker.NewMemory(h.hub)

	if queue == nil {
		queue = h.local
	}
	deps := Dependencies{
		Assets:   h.store,
		Layout:   layout,
		Locks:    locks,
		Broker:   h.apiBroker,
		Queue:    queue,
		Registry: registry,
		Logger:   logger,
	}
	h.api = New(deps, opts...)
	deps.Broker = h.workerBroker
	h.worker = New(deps, opts...)
	h.local.Bind(h.worker.RunPass2)

	return h
}

// upload stores a record and its original file
func (h *harness) upload(id string) *domain.Asset {
	h.t.Helper()
	a := &domain.Asset{ID: id, Name: id + ".png", MimeType: "image/png", FileType: "playfield-fs"}
	require.NoError(h.t, h.store.Create(context.Background(), a))
	path := h.layout.Path(a, nil)
	require.NoError(h.t, os.WriteFile(path, []byte("original"), 0o644))
	return a
}

func (h *harness) settle() {
	h.api.Wait()
	h.worker.Wait()
	h.local.Wait()
	h.apiBroker.Wait()
	h.workerBroker.Wait()
}

func (h *harness) runJobs(q *manualQueue) []error {
	var errs []error
	for _, job := range q.take() {
		errs = append(errs, h.worker.RunPass2(context.Background(), job))
	}
	h.apiBroker.Wait()
	h.workerBroker.Wait()
	return errs
}

func (h *harness) reload(id string) *domain.Asset {
	h.t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return a
}

// waitResult records every invocation of a WaitCallback.
type waitResult struct {
	mu    sync.Mutex
	calls int
	asset *domain.Asset
	fi    os.FileInfo
}

func (w *waitResult) callback() WaitCallback {
	return func(a *domain.Asset, fi os.FileInfo) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.calls++
		w.asset = a
		w.fi = fi
	}
}

func (w *waitResult) get() (int, *domain.Asset, os.FileInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls, w.asset, w.fi
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handler(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind, variation string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Variation == variation {
			n++
		}
	}
	return n
}
