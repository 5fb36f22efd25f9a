package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/lock"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
)

// StorageCoordinator writes processor metadata back onto the asset record.
// It is the only writer of variations.<name>.
type StorageCoordinator struct {
	assets AssetStore
	layout *filestore.Layout
	locks  *lock.Manager
	logger *slog.Logger
}

// NewStorageCoordinator creates a StorageCoordinator
func NewStorageCoordinator(assets AssetStore, layout *filestore.Layout, locks *lock.Manager, logger *slog.Logger) *StorageCoordinator {
	return &StorageCoordinator{
		assets: assets,
		layout: layout,
		locks:  locks,
		logger: logger,
	}
}

// Persist records the metadata of the file a stage just produced for
// (asset, variation). A missing output is not an error: the asset is
// returned untouched. The file is moved to the tier the fresh record
// expects before its metadata is read.
func (s *StorageCoordinator) Persist(ctx context.Context, asset *domain.Asset, variation *domain.VariationSpec, proc processor.Processor) (*domain.Asset, error) {
	name := domain.VariationName(variation)

	if !s.exists(asset, variation) {
		s.logger.Debug("No output to persist",
			slog.String("asset_id", asset.ID),
			slog.String("variation", name),
		)
		return asset, nil
	}

	fresh, err := s.reload(ctx, asset.ID)
	if err != nil {
		return nil, err
	}

	var meta domain.Metadata
	err = s.locks.WithLock(ctx, asset.ID, name, func() error {
		if err := s.repair(fresh, variation); err != nil {
			return err
		}

		meta, err = proc.Metadata(ctx, fresh, variation, s.layout.Path(fresh, variation))
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		// renamed while we read; try once more against a fresh record
		s.logger.Warn("Output moved during metadata read, retrying",
			slog.String("asset_id", asset.ID),
			slog.String("variation", name),
		)
		if fresh, err = s.reload(ctx, asset.ID); err != nil {
			return err
		}
		if err := s.repair(fresh, variation); err != nil {
			return err
		}
		meta, err = proc.Metadata(ctx, fresh, variation, s.layout.Path(fresh, variation))
		return err
	})
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StagePersist, AssetID: asset.ID, Variation: name, Err: err}
	}

	// reload right before writing to keep the lost-update window short
	fresh, err = s.reload(ctx, asset.ID)
	if err != nil {
		return nil, err
	}

	var size int64
	err = s.locks.WithLock(ctx, asset.ID, name, func() error {
		if err := s.repair(fresh, variation); err != nil {
			return err
		}
		fi, err := filestore.Stat(s.layout.Path(fresh, variation))
		if err != nil {
			return err
		}
		if fi == nil {
			return fmt.Errorf("output vanished: %w", fs.ErrNotExist)
		}
		size = fi.Size()
		return nil
	})
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StagePersist, AssetID: asset.ID, Variation: name, Err: err}
	}

	var updated *domain.Asset
	if variation == nil {
		updated, err = s.assets.UpdateMetadata(ctx, asset.ID, processor.Sanitize(proc, meta))
	} else {
		updated, err = s.assets.UpdateVariation(ctx, asset.ID, name, variationData(proc, variation, meta, size))
	}
	if errors.Is(err, domain.ErrAssetNotFound) {
		return nil, domain.ErrSourceGone
	}
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StagePersist, AssetID: asset.ID, Variation: name, Err: err}
	}

	s.logger.Info("Metadata persisted",
		slog.String("asset_id", asset.ID),
		slog.String("variation", name),
		slog.String("processor", proc.Name()),
	)

	return updated, nil
}

// variationData is the only shape written under variations.<name>
func variationData(proc processor.Processor, variation *domain.VariationSpec, meta domain.Metadata, size int64) domain.Metadata {
	data := proc.VariationData(meta)
	if data == nil {
		data = domain.Metadata{}
	}
	data[domain.VariationBytesKey] = size
	if variation.MimeType != "" {
		data[domain.VariationMimeTypeKey] = variation.MimeType
	}
	return data
}

func (s *StorageCoordinator) reload(ctx context.Context, id string) (*domain.Asset, error) {
	fresh, err := s.assets.Get(ctx, id)
	if errors.Is(err, domain.ErrAssetNotFound) {
		return nil, domain.ErrSourceGone
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reload asset: %w", err)
	}
	return fresh, nil
}

func (s *StorageCoordinator) exists(asset *domain.Asset, variation *domain.VariationSpec) bool {
	tier := s.layout.TierOf(asset)
	return filestore.Exists(s.layout.PathIn(asset, variation, tier)) ||
		filestore.Exists(s.layout.PathIn(asset, variation, tier.Opposite()))
}

// repair moves the file into the tier asset currently points at. Callers
// hold the (asset, variation) lock.
func (s *StorageCoordinator) repair(asset *domain.Asset, variation *domain.VariationSpec) error {
	tier := s.layout.TierOf(asset)
	expected := s.layout.PathIn(asset, variation, tier)
	if filestore.Exists(expected) {
		return nil
	}

	stale := s.layout.PathIn(asset, variation, tier.Opposite())
	if !filestore.Exists(stale) {
		return nil
	}

	s.logger.Warn("Storage tier changed during processing, relocating",
		slog.String("asset_id", asset.ID),
		slog.String("variation", domain.VariationName(variation)),
		slog.String("tier", string(tier)),
	)
	return filestore.Replace(stale, expected)
}
