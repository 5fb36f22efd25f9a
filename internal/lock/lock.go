// Package lock provides advisory per-(asset, variation) locks backed by flock
// marker files. A lock is held for the duration of one stage so the storage
// tier mover never relocates a file that is being written or read.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

const defaultPollInterval = 50 * time.Millisecond

// ErrTimeout is returned when a lock could not be acquired in time
var ErrTimeout = errors.New("lock acquisition timed out")

// Manager hands out locks from a marker directory.
type Manager struct {
	dir          string
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithTimeout bounds Acquire when the caller's context has no deadline
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithPollInterval sets how often a contended lock is retried
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// NewManager creates the marker directory if needed
func NewManager(dir string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	m := &Manager{
		dir:          dir,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) path(assetID, variation string) string {
	name := string(domain.NewQueueKey(assetID, variation))
	name = strings.ReplaceAll(name, ":", ".")
	return filepath.Join(m.dir, name+".lock")
}

// Acquire blocks until the lock for (assetID, variation) is held, the context
// is done, or the manager timeout expires.
func (m *Manager) Acquire(ctx context.Context, assetID, variation string) (*Lock, error) {
	if m.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
	}

	f := flock.New(m.path(assetID, variation))
	ok, err := f.TryLockContext(ctx, m.pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, domain.NewQueueKey(assetID, variation))
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, domain.NewQueueKey(assetID, variation))
	}

	m.logger.Debug("Lock acquired",
		slog.String("asset_id", assetID),
		slog.String("variation", variation),
	)

	return &Lock{f: f, assetID: assetID, variation: variation, logger: m.logger}, nil
}

// TryAcquire takes the lock only if it is free
func (m *Manager) TryAcquire(assetID, variation string) (*Lock, bool, error) {
	f := flock.New(m.path(assetID, variation))
	ok, err := f.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to try lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{f: f, assetID: assetID, variation: variation, logger: m.logger}, true, nil
}

// IsLocked reports whether some stage currently holds the lock
func (m *Manager) IsLocked(assetID, variation string) (bool, error) {
	l, ok, err := m.TryAcquire(assetID, variation)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, l.Release()
}

// WithLock runs fn while holding the lock and always releases it.
func (m *Manager) WithLock(ctx context.Context, assetID, variation string, fn func() error) (err error) {
	l, err := m.Acquire(ctx, assetID, variation)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := l.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn()
}

// Lock is a held advisory lock. The marker file stays on disk after release;
// only the flock on it carries meaning.
type Lock struct {
	f         *flock.Flock
	assetID   string
	variation string
	logger    *slog.Logger
	once      sync.Once
	err       error
}

// Release unlocks. Safe to call more than once.
func (l *Lock) Release() error {
	l.once.Do(func() {
		if err := l.f.Unlock(); err != nil {
			l.err = fmt.Errorf("failed to release lock: %w", err)
			return
		}
		l.logger.Debug("Lock released",
			slog.String("asset_id", l.assetID),
			slog.String("variation", l.variation),
		)
	})
	return l.err
}
