package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/broker"
	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
)

const resolveTimeout = 10 * time.Second

// WaitCallback receives the reloaded asset and the artifact's file info.
// fi is nil when processing failed or produced nothing; asset is nil when
// the record is gone.
type WaitCallback func(asset *domain.Asset, fi os.FileInfo)

// IsQueued reports whether (asset, variation) is still being processed
func (c *Coordinator) IsQueued(ctx context.Context, asset *domain.Asset, variation string) (bool, error) {
	return c.broker.IsQueued(ctx, domain.NewQueueKey(asset.ID, variation))
}

// WhenProcessed registers cb to run exactly once when processing of
// (asset, variation) concludes. If it already concluded, cb runs right away
// with the current state.
func (c *Coordinator) WhenProcessed(ctx context.Context, asset *domain.Asset, variation string, cb WaitCallback) error {
	var once sync.Once
	resolve := func(success bool) {
		once.Do(func() {
			c.resolve(asset.ID, variation, success, cb)
		})
	}

	key := domain.NewQueueKey(asset.ID, variation)
	err := c.broker.AddCallback(ctx, key, func(msg broker.Message) {
		resolve(msg.Success)
	})
	if errors.Is(err, broker.ErrNotQueued) {
		c.logger.Debug("Key concluded before registration",
			slog.String("queue_key", string(key)),
		)
		resolve(true)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to register callback: %w", err)
	}
	return nil
}

// Await blocks until (asset, variation) is processed or ctx is done. On
// timeout the registration stays armed and is released by the eventual
// publish.
func (c *Coordinator) Await(ctx context.Context, asset *domain.Asset, variation string) (*domain.Asset, os.FileInfo, error) {
	type result struct {
		asset *domain.Asset
		fi    os.FileInfo
	}
	done := make(chan result, 1)

	err := c.WhenProcessed(ctx, asset, variation, func(a *domain.Asset, fi os.FileInfo) {
		done <- result{asset: a, fi: fi}
	})
	if err != nil {
		return nil, nil, err
	}

	select {
	case r := <-done:
		return r.asset, r.fi, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// resolve reloads the asset and stats the artifact for a waiting callback
func (c *Coordinator) resolve(assetID, variation string, success bool, cb WaitCallback) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	asset, err := c.assets.Get(ctx, assetID)
	if err != nil {
		c.logger.Warn("Asset not reloadable for waiting caller",
			slog.String("asset_id", assetID),
			slog.String("variation", variation),
			slog.Any("error", err),
		)
		cb(nil, nil)
		return
	}
	if !success {
		cb(asset, nil)
		return
	}

	path, err := c.ArtifactPath(asset, variation)
	if err != nil {
		cb(asset, nil)
		return
	}
	fi, err := filestore.Stat(path)
	if err != nil {
		c.logger.Warn("Failed to stat artifact", slog.String("path", path), slog.Any("error", err))
	}
	cb(asset, fi)
}

// ArtifactPath is where the original or a declared variation of asset lives
func (c *Coordinator) ArtifactPath(asset *domain.Asset, variation string) (string, error) {
	if variation == "" {
		return c.layout.Path(asset, nil), nil
	}
	proc, err := c.registry.ForAsset(asset)
	if err != nil {
		return "", err
	}
	spec, err := processor.Variation(proc, asset.FileType, variation)
	if err != nil {
		return "", err
	}
	return c.layout.Path(asset, spec), nil
}

// KeyStatus describes one queue key of an asset
type KeyStatus struct {
	Variation string       `json:"variation,omitempty"`
	Queued    bool         `json:"queued"`
	State     domain.State `json:"state,omitempty"`
	Ready     bool         `json:"ready"`
	Persisted bool         `json:"persisted"`
}

// Status reports the original and every declared variation of asset
func (c *Coordinator) Status(ctx context.Context, asset *domain.Asset) ([]KeyStatus, error) {
	proc, err := c.registry.ForAsset(asset)
	if err != nil {
		return nil, err
	}

	names := []string{""}
	for _, v := range proc.Variations(asset.FileType) {
		names = append(names, v.Name)
	}

	out := make([]KeyStatus, 0, len(names))
	for _, name := range names {
		key := domain.NewQueueKey(asset.ID, name)
		queued, err := c.broker.IsQueued(ctx, key)
		if err != nil {
			return nil, err
		}
		path, err := c.ArtifactPath(asset, name)
		if err != nil {
			return nil, err
		}

		st := KeyStatus{
			Variation: name,
			Queued:    queued,
			Ready:     filestore.Exists(path),
		}
		st.State, _ = c.states.Get(key)
		if name == "" {
			st.Persisted = len(asset.Metadata) > 0
		} else {
			_, st.Persisted = asset.Variations[name]
		}
		out = append(out, st)
	}
	return out, nil
}
