package filestore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/lock"
)

// Mover relocates an asset's files into the tier its record now points at.
type Mover struct {
	layout *Layout
	locks  *lock.Manager
	logger *slog.Logger
}

// NewMover creates a Mover
func NewMover(layout *Layout, locks *lock.Manager, logger *slog.Logger) *Mover {
	return &Mover{layout: layout, locks: locks, logger: logger}
}

// MoveResult counts what Switch did
type MoveResult struct {
	Moved    int
	Deferred int
}

// Switch moves the original and the given variations of asset from the
// opposite tier into asset's current tier. Files whose lock is held by a
// running stage are left in place; the storage coordinator finishes those
// moves once the stage releases its lock.
func (m *Mover) Switch(ctx context.Context, asset *domain.Asset, variations []domain.VariationSpec) (MoveResult, error) {
	var result MoveResult

	targets := make([]*domain.VariationSpec, 0, len(variations)+1)
	targets = append(targets, nil)
	for i := range variations {
		targets = append(targets, &variations[i])
	}

	to := m.layout.TierOf(asset)
	for _, variation := range targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		from := m.layout.PathIn(asset, variation, to.Opposite())
		if !Exists(from) {
			continue
		}
		name := domain.VariationName(variation)

		l, ok, err := m.locks.TryAcquire(asset.ID, name)
		if err != nil {
			return result, err
		}
		if !ok {
			m.logger.Warn("File locked, deferring move",
				slog.String("asset_id", asset.ID),
				slog.String("variation", name),
				slog.String("tier", string(to)),
			)
			result.Deferred++
			continue
		}

		err = Replace(from, m.layout.PathIn(asset, variation, to))
		if releaseErr := l.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
		if err != nil {
			return result, fmt.Errorf("failed to move %s: %w", name, err)
		}
		result.Moved++
	}

	m.logger.Info("Asset storage tier switched",
		slog.String("asset_id", asset.ID),
		slog.String("tier", string(to)),
		slog.Int("moved", result.Moved),
		slog.Int("deferred", result.Deferred),
	)

	return result, nil
}
