package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	imageproc "github.com/cuongbtq/asset-pipeline/internal/processor/image"
)

func TestPostprocess_InitializesEveryCounter(t *testing.T) {
	release := make(chan struct{})
	stub := newStub()
	stub.pass2 = func(_ context.Context, _, dest string, _ *domain.Asset, _ *domain.VariationSpec) error {
		<-release
		return os.WriteFile(dest, []byte("pass2"), 0o644)
	}
	h := newHarness(t, twoPass{stub}, nil)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))

	for _, name := range []string{"", "medium", "square"} {
		queued, err := h.api.IsQueued(ctx, a, name)
		require.NoError(t, err)
		assert.True(t, queued, "key %q", name)
	}

	close(release)
	h.settle()

	for _, name := range []string{"", "medium", "square"} {
		queued, err := h.api.IsQueued(ctx, a, name)
		require.NoError(t, err)
		assert.False(t, queued, "key %q", name)
	}
	assert.Equal(t, 0, h.api.States().Len())
	assert.Equal(t, 0, h.worker.States().Len())
}

func TestPostprocess_OnlyVariations(t *testing.T) {
	q := &manualQueue{}
	h := newHarness(t, twoPass{newStub()}, q)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, true))
	h.api.Wait()

	queued, err := h.api.IsQueued(ctx, a, "")
	require.NoError(t, err)
	assert.False(t, queued)

	jobs := q.take()
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.NotEmpty(t, job.Variation)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, "stub", job.Processor)
	}
}

func TestPostprocess_UnknownCategory(t *testing.T) {
	h := newHarness(t, twoPass{newStub()}, nil)
	a := &domain.Asset{ID: "a1", MimeType: "application/zip"}
	err := h.api.Postprocess(context.Background(), a, false)
	assert.ErrorIs(t, err, domain.ErrProcessorNotFound)
}

func TestWhenProcessed_SingleDeliveryAcrossProcesses(t *testing.T) {
	gate := make(chan struct{})
	stub := newStub()
	stub.pass1 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) (bool, error) {
		<-gate
		return true, os.WriteFile(dest, []byte("pass1 "+v.Name), 0o644)
	}
	h := newHarness(t, twoPass{stub}, nil)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))

	waiters := make([]*waitResult, 5)
	for i := range waiters {
		waiters[i] = &waitResult{}
		coord := h.api
		if i%2 == 1 {
			coord = h.worker
		}
		require.NoError(t, coord.WhenProcessed(ctx, a, "medium", waiters[i].callback()))
	}

	close(gate)
	h.settle()

	for i, w := range waiters {
		calls, asset, fi := w.get()
		assert.Equal(t, 1, calls, "waiter %d", i)
		require.NotNil(t, asset)
		assert.NotNil(t, fi, "waiter %d", i)
	}

	_, ok := h.hub.Counter(domain.NewQueueKey("a1", "medium"))
	assert.False(t, ok)
}

func TestWhenProcessed_AfterConclusionResolvesImmediately(t *testing.T) {
	h := newHarness(t, pass1Only{newStub()}, nil)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))
	h.settle()

	asset, fi, err := h.api.Await(ctx, a, "medium")
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.NotNil(t, fi)
	assert.Positive(t, fi.Size())
}

func TestAwait_Timeout(t *testing.T) {
	release := make(chan struct{})
	stub := newStub()
	stub.pass1 = func(context.Context, string, string, *domain.Asset, *domain.VariationSpec) (bool, error) {
		<-release
		return false, nil
	}
	h := newHarness(t, twoPass{stub}, &manualQueue{})
	a := h.upload("a1")
	require.NoError(t, h.api.Postprocess(context.Background(), a, false))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := h.api.Await(ctx, a, "medium")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	h.api.Wait()
}

func TestRunPass2_NeverOverlapsPass1(t *testing.T) {
	var (
		mu       sync.Mutex
		timeline []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		timeline = append(timeline, s)
	}

	stub := newStub()
	h := newHarness(t, twoPass{stub}, nil)

	stub.pass1 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) (bool, error) {
		record("p1-start:" + v.Name)
		time.Sleep(5 * time.Millisecond)
		record("p1-end:" + v.Name)
		return true, os.WriteFile(dest, []byte("pass1"), 0o644)
	}
	stub.pass2 = func(_ context.Context, src, dest string, a *domain.Asset, v *domain.VariationSpec) error {
		name := domain.VariationName(v)
		locked, err := h.locks.IsLocked(a.ID, name)
		if err != nil || !locked {
			return errors.New("pass 2 ran without its lock")
		}
		record("p2-start:" + name)
		return os.WriteFile(dest, []byte("pass2"), 0o644)
	}

	a := h.upload("a1")
	require.NoError(t, h.api.Postprocess(context.Background(), a, false))
	h.settle()

	index := func(s string) int {
		for i, e := range timeline {
			if e == s {
				return i
			}
		}
		return -1
	}
	for _, name := range []string{"medium", "square"} {
		end, start := index("p1-end:"+name), index("p2-start:"+name)
		require.NotEqual(t, -1, end, name)
		require.NotEqual(t, -1, start, name)
		assert.Greater(t, start, end, name)
	}
	assert.NotEqual(t, -1, index("p2-start:"))
}

func TestRunPass2_FailureCleansUpAndResolvesWaiters(t *testing.T) {
	gate := make(chan struct{})
	stub := newStub()
	stub.pass1 = func(context.Context, string, string, *domain.Asset, *domain.VariationSpec) (bool, error) {
		<-gate
		return false, nil
	}
	stub.pass2 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) error {
		if v == nil {
			return os.WriteFile(dest, []byte("pass2"), 0o644)
		}
		if err := os.WriteFile(dest, []byte("partial"), 0o644); err != nil {
			return err
		}
		return errors.New("encoder crashed")
	}
	h := newHarness(t, twoPass{stub}, nil)
	events := &eventLog{}
	h.worker.OnEvent(events.handler)

	ctx := context.Background()
	a := h.upload("a1")
	require.NoError(t, h.api.Postprocess(ctx, a, false))

	w := &waitResult{}
	require.NoError(t, h.api.WhenProcessed(ctx, a, "medium", w.callback()))

	close(gate)
	h.settle()

	calls, asset, fi := w.get()
	assert.Equal(t, 1, calls)
	assert.NotNil(t, asset)
	assert.Nil(t, fi)

	medium := &domain.VariationSpec{Name: "medium", Width: 393, Height: 233}
	assert.NoFileExists(t, h.layout.TempPath(a, medium, domain.StagePass2))
	assert.NoFileExists(t, h.layout.Path(a, medium))
	assert.Equal(t, 1, events.count(EventError, "medium"))

	_, tracked := h.worker.States().Get(domain.NewQueueKey("a1", "medium"))
	assert.False(t, tracked)
}

func TestPass1_FailureSkipsPass2(t *testing.T) {
	q := &manualQueue{}
	stub := newStub()
	stub.pass1 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) (bool, error) {
		if v.Name == "medium" {
			_ = os.WriteFile(dest, []byte("partial"), 0o644)
			return false, errors.New("resize failed")
		}
		return true, os.WriteFile(dest, []byte("pass1"), 0o644)
	}
	h := newHarness(t, twoPass{stub}, q)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))
	h.settle()

	var variations []string
	for _, job := range q.take() {
		variations = append(variations, job.Variation)
	}
	assert.ElementsMatch(t, []string{"", "square"}, variations)

	medium := &domain.VariationSpec{Name: "medium"}
	assert.NoFileExists(t, h.layout.TempPath(a, medium, domain.StagePass1))

	queued, err := h.api.IsQueued(ctx, a, "medium")
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestPass1_SourceGone(t *testing.T) {
	events := &eventLog{}
	h := newHarness(t, twoPass{newStub()}, &manualQueue{})
	h.api.OnEvent(events.handler)

	a := h.upload("a1")
	require.NoError(t, os.Remove(h.layout.Path(a, nil)))

	require.NoError(t, h.api.Postprocess(context.Background(), a, true))
	h.settle()

	assert.Equal(t, 1, events.count(EventError, "medium"))
	assert.Equal(t, 1, events.count(EventError, "square"))
}

func TestPersist_VariationWhitelist(t *testing.T) {
	stub := newStub()
	stub.specs = []domain.VariationSpec{
		{Name: "medium", Width: 393, Height: 233},
		{Name: "thumb", Width: 50, Height: 50, MimeType: "image/png"},
	}
	h := newHarness(t, twoPass{stub}, nil)
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(context.Background(), a, false))
	h.settle()

	fresh := h.reload("a1")
	for _, v := range stub.specs {
		fi, err := os.Stat(h.layout.Path(fresh, &v))
		require.NoError(t, err)

		want := domain.Metadata{"width": 10, domain.VariationBytesKey: fi.Size()}
		if v.MimeType != "" {
			want[domain.VariationMimeTypeKey] = v.MimeType
		}
		assert.Equal(t, want, fresh.Variations[v.Name], v.Name)
	}

	// the original keeps the full blob
	assert.Equal(t, "raw", fresh.Metadata["secret"])
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestScenario_ImageUpload(t *testing.T) {
	q := &manualQueue{}
	proc := imageproc.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, proc, q)
	ctx := context.Background()

	a := &domain.Asset{ID: "a1", Name: "pf.png", MimeType: "image/png", FileType: "playfield-fs"}
	require.NoError(t, h.store.Create(ctx, a))
	writeTestPNG(t, h.layout.Path(a, nil), 800, 600)

	require.NoError(t, h.api.Postprocess(ctx, a, false))

	queued, err := h.api.IsQueued(ctx, a, "medium")
	require.NoError(t, err)
	assert.True(t, queued)

	type result struct {
		asset *domain.Asset
		fi    os.FileInfo
		err   error
	}
	done := make(chan result, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		asset, fi, err := h.api.Await(waitCtx, a, "medium")
		done <- result{asset, fi, err}
	}()

	h.api.Wait()
	for _, err := range h.runJobs(q) {
		require.NoError(t, err)
	}

	r := <-done
	require.NoError(t, r.err)
	require.NotNil(t, r.fi)
	assert.Positive(t, r.fi.Size())
	require.NotNil(t, r.asset)
	assert.EqualValues(t, 393, r.asset.Variations["medium"][imageproc.KeyWidth])

	fresh := h.reload("a1")
	assert.EqualValues(t, 393, fresh.Variations["medium"][imageproc.KeyWidth])
	assert.EqualValues(t, 233, fresh.Variations["medium"][imageproc.KeyHeight])
	assert.NotContains(t, fresh.Variations["medium"], imageproc.KeyFormat)
	assert.EqualValues(t, 800, fresh.Metadata[imageproc.KeyWidth])

	queued, err = h.api.IsQueued(ctx, a, "medium")
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestScenario_Pass1OnlyWakeUp(t *testing.T) {
	gate := make(chan struct{})
	q := &manualQueue{}
	stub := newStub()
	stub.pass1 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) (bool, error) {
		<-gate
		return true, os.WriteFile(dest, []byte("pass1 "+v.Name), 0o644)
	}
	h := newHarness(t, pass1Only{stub}, q)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))

	w := &waitResult{}
	require.NoError(t, h.api.WhenProcessed(ctx, a, "medium", w.callback()))

	close(gate)
	h.settle()

	calls, _, fi := w.get()
	assert.Equal(t, 1, calls)
	assert.NotNil(t, fi)

	assert.Equal(t, 0, q.len())
	_, ok := h.hub.Counter(domain.NewQueueKey("a1", "medium"))
	assert.False(t, ok)
	_, ok = h.hub.Counter(domain.NewQueueKey("a1", ""))
	assert.False(t, ok)
}

func TestScenario_TierRaceRecovery(t *testing.T) {
	q := &manualQueue{}
	entered := make(chan struct{})
	release := make(chan struct{})

	stub := newStub()
	stub.specs = []domain.VariationSpec{{Name: "medium", Width: 393, Height: 233}}
	stub.pass2 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) error {
		if v != nil {
			close(entered)
			<-release
		}
		return os.WriteFile(dest, []byte("pass2"), 0o644)
	}
	h := newHarness(t, twoPass{stub}, q)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))
	h.api.Wait()

	var mediumJob domain.Job
	for _, job := range q.take() {
		if job.Variation == "medium" {
			mediumJob = job
		}
	}
	require.Equal(t, "medium", mediumJob.Variation)

	errc := make(chan error, 1)
	go func() { errc <- h.worker.RunPass2(ctx, mediumJob) }()
	<-entered

	activated, err := h.store.SetPublic(ctx, "a1", true)
	require.NoError(t, err)
	result, err := h.mover.Switch(ctx, activated, stub.specs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 1, result.Moved)

	close(release)
	require.NoError(t, <-errc)

	medium := &stub.specs[0]
	assert.FileExists(t, h.layout.PathIn(activated, medium, filestore.TierPublic))
	assert.NoFileExists(t, h.layout.PathIn(activated, medium, filestore.TierProtected))
	assert.Contains(t, h.reload("a1").Variations, "medium")
}

func TestRunPass2_RetryKeepsWaitersArmed(t *testing.T) {
	gate := make(chan struct{})
	var attempts atomic.Int32

	stub := newStub()
	stub.pass2 = func(_ context.Context, _, dest string, _ *domain.Asset, v *domain.VariationSpec) error {
		if v != nil && v.Name == "medium" {
			if attempts.Add(1) == 1 {
				<-gate
				return errors.New("transient")
			}
		}
		return os.WriteFile(dest, []byte("pass2"), 0o644)
	}
	h := newHarness(t, pass2Only{stub}, nil, WithMaxAttempts(2))
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))

	w := &waitResult{}
	require.NoError(t, h.api.WhenProcessed(ctx, a, "medium", w.callback()))

	close(gate)
	h.settle()

	calls, _, fi := w.get()
	assert.Equal(t, 1, calls)
	assert.NotNil(t, fi)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRunPass2_RetryableUntilLastAttempt(t *testing.T) {
	q := &manualQueue{}
	stub := newStub()
	stub.pass2 = func(context.Context, string, string, *domain.Asset, *domain.VariationSpec) error {
		return errors.New("transient")
	}
	h := newHarness(t, pass2Only{stub}, q, WithMaxAttempts(2))
	a := h.upload("a1")
	require.NoError(t, h.api.Postprocess(context.Background(), a, true))
	h.api.Wait()

	job := q.take()[0]
	err := h.worker.RunPass2(context.Background(), job)
	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)

	job.Attempt = 2
	err = h.worker.RunPass2(context.Background(), job)
	require.Error(t, err)
	assert.False(t, errors.As(err, &retryable))
}

func TestRunPass2_SourceGone(t *testing.T) {
	q := &manualQueue{}
	h := newHarness(t, twoPass{newStub()}, q, WithMaxAttempts(3))
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, true))
	h.api.Wait()

	w := &waitResult{}
	require.NoError(t, h.api.WhenProcessed(ctx, a, "medium", w.callback()))
	require.NoError(t, h.store.Delete(ctx, "a1"))

	errs := h.runJobs(q)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrSourceGone)
		var retryable *domain.RetryableError
		assert.False(t, errors.As(err, &retryable))
	}

	calls, asset, fi := w.get()
	assert.Equal(t, 1, calls)
	assert.Nil(t, asset)
	assert.Nil(t, fi)
}

func TestStatus(t *testing.T) {
	q := &manualQueue{}
	h := newHarness(t, twoPass{newStub()}, q)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, false))
	h.api.Wait()

	status, err := h.api.Status(ctx, h.reload("a1"))
	require.NoError(t, err)
	require.Len(t, status, 3)
	for _, st := range status {
		assert.True(t, st.Queued, st.Variation)
		assert.True(t, st.Ready, st.Variation)
		assert.True(t, st.Persisted, st.Variation)
	}

	h.runJobs(q)
	status, err = h.api.Status(ctx, h.reload("a1"))
	require.NoError(t, err)
	for _, st := range status {
		assert.False(t, st.Queued, st.Variation)
	}
}

func TestArtifactPath(t *testing.T) {
	h := newHarness(t, twoPass{newStub()}, nil)
	a := &domain.Asset{ID: "a1", MimeType: "image/png", FileType: "playfield-fs"}

	path, err := h.api.ArtifactPath(a, "medium")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("medium", "a1.png"), filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path)))

	_, err = h.api.ArtifactPath(a, "huge")
	assert.ErrorIs(t, err, domain.ErrVariationNotFound)
}

func TestRunPass2_ShutdownKeepsAttemptAndWaiters(t *testing.T) {
	q := &manualQueue{}
	events := &eventLog{}
	h := newHarness(t, pass2Only{newStub()}, q, WithMaxAttempts(3))
	h.worker.OnEvent(events.handler)
	ctx := context.Background()
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(ctx, a, true))
	h.api.Wait()

	w := &waitResult{}
	require.NoError(t, h.api.WhenProcessed(ctx, a, "medium", w.callback()))

	var job domain.Job
	for _, j := range q.take() {
		if j.Variation == "medium" {
			job = j
		}
	}
	require.Equal(t, "medium", job.Variation)
	job.Attempt = 3

	stopped, cancel := context.WithCancel(ctx)
	cancel()
	err := h.worker.RunPass2(stopped, job)
	assert.ErrorIs(t, err, domain.ErrInterrupted)
	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)
	h.apiBroker.Wait()
	h.workerBroker.Wait()

	calls, _, _ := w.get()
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, events.count(EventError, "medium"))
	queued, err := h.api.IsQueued(ctx, a, "medium")
	require.NoError(t, err)
	assert.True(t, queued)

	// redelivered with the same attempt after a restart
	require.NoError(t, h.worker.RunPass2(ctx, job))
	h.apiBroker.Wait()
	h.workerBroker.Wait()

	calls, _, fi := w.get()
	assert.Equal(t, 1, calls)
	assert.NotNil(t, fi)
}

func TestPass1_ActivatedBeforeStart(t *testing.T) {
	tests := []struct {
		name      string
		moveFiles bool
	}{
		{name: "original already moved", moveFiles: true},
		{name: "original move deferred", moveFiles: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &manualQueue{}
			events := &eventLog{}
			h := newHarness(t, twoPass{newStub()}, q)
			h.api.OnEvent(events.handler)
			ctx := context.Background()
			snapshot := h.upload("a1")

			activated, err := h.store.SetPublic(ctx, "a1", true)
			require.NoError(t, err)
			if tt.moveFiles {
				result, err := h.mover.Switch(ctx, activated, nil)
				require.NoError(t, err)
				require.Equal(t, 1, result.Moved)
			}

			require.NoError(t, h.api.Postprocess(ctx, snapshot, true))
			h.api.Wait()

			for _, v := range defaultSpecs {
				assert.Equal(t, 0, events.count(EventError, v.Name), v.Name)
				assert.FileExists(t, h.layout.PathIn(activated, &v, filestore.TierPublic), v.Name)
				assert.NoFileExists(t, h.layout.PathIn(activated, &v, filestore.TierProtected), v.Name)
			}
			fresh := h.reload("a1")
			assert.Contains(t, fresh.Variations, "medium")
			assert.Contains(t, fresh.Variations, "square")
			assert.Len(t, q.take(), 2)
		})
	}
}

func TestPass1_SkippedOutputIsDiscarded(t *testing.T) {
	q := &manualQueue{}
	stub := newStub()
	stub.pass1 = func(_ context.Context, _, dest string, _ *domain.Asset, _ *domain.VariationSpec) (bool, error) {
		return false, os.WriteFile(dest, []byte("scratch"), 0o644)
	}
	h := newHarness(t, twoPass{stub}, q)
	a := h.upload("a1")

	require.NoError(t, h.api.Postprocess(context.Background(), a, true))
	h.api.Wait()

	for _, v := range defaultSpecs {
		assert.NoFileExists(t, h.layout.TempPath(a, &v, domain.StagePass1), v.Name)
		assert.NoFileExists(t, h.layout.Path(a, &v), v.Name)
	}
	assert.Len(t, q.take(), 2)
}
