// Package assetstore is the document store for asset records.
package assetstore

import (
	"context"
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Store persists assets. Updates are field-scoped and return the fresh
// record.
type Store interface {
	Create(ctx context.Context, asset *domain.Asset) error
	Get(ctx context.Context, id string) (*domain.Asset, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Asset, error)
	UpdateMetadata(ctx context.Context, id string, meta domain.Metadata) (*domain.Asset, error)
	UpdateVariation(ctx context.Context, id, variation string, data domain.Metadata) (*domain.Asset, error)
	SetPublic(ctx context.Context, id string, public bool) (*domain.Asset, error)
	Delete(ctx context.Context, id string) error
}

// ListFilter selects a page of assets, newest first
type ListFilter struct {
	MimeType string
	FileType string
	PageSize int
	Cursor   *Cursor
}

// Cursor points after the last asset of the previous page
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
