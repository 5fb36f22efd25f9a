// Package processor defines the contract media processors implement and the
// registry the pipeline looks them up in.
package processor

import (
	"context"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Processor produces variations and metadata for one media category.
type Processor interface {
	Name() string
	Category() domain.Category
	// Variations returns the derivatives declared for an asset subtype.
	Variations(fileType string) []domain.VariationSpec
	// Metadata reads facts about the file at path. variation is nil for the
	// original.
	Metadata(ctx context.Context, asset *domain.Asset, variation *domain.VariationSpec, path string) (domain.Metadata, error)
	// VariationData picks the facts persisted under variations.<name>.
	VariationData(meta domain.Metadata) domain.Metadata
}

// Pass1er is implemented by processors with a fast inline stage. produced is
// false when the stage decided nothing needed writing.
type Pass1er interface {
	Pass1(ctx context.Context, src, dest string, asset *domain.Asset, variation *domain.VariationSpec) (produced bool, err error)
}

// Pass2er is implemented by processors with a queued, heavier stage.
type Pass2er interface {
	Pass2(ctx context.Context, src, dest string, asset *domain.Asset, variation *domain.VariationSpec) error
}

// Sanitizer cleans the original's metadata before it is persisted.
type Sanitizer interface {
	Sanitize(meta domain.Metadata) domain.Metadata
}

// HasPass2 reports whether p defines pass 2
func HasPass2(p Processor) bool {
	_, ok := p.(Pass2er)
	return ok
}

// Sanitize applies p's Sanitizer if it has one
func Sanitize(p Processor, meta domain.Metadata) domain.Metadata {
	if s, ok := p.(Sanitizer); ok {
		return s.Sanitize(meta)
	}
	return meta
}

// Pick copies the whitelisted keys present in meta
func Pick(meta domain.Metadata, keys ...string) domain.Metadata {
	out := make(domain.Metadata, len(keys))
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			out[k] = v
		}
	}
	return out
}
