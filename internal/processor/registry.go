package processor

import (
	"fmt"
	"sort"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Registry is an immutable lookup of processors by category and name, built
// once at startup.
type Registry struct {
	byCategory map[domain.Category]Processor
	byName     map[string]Processor
}

// NewRegistry rejects duplicate categories and names
func NewRegistry(procs ...Processor) (*Registry, error) {
	r := &Registry{
		byCategory: make(map[domain.Category]Processor, len(procs)),
		byName:     make(map[string]Processor, len(procs)),
	}
	for _, p := range procs {
		if _, dup := r.byCategory[p.Category()]; dup {
			return nil, fmt.Errorf("duplicate processor for category %q", p.Category())
		}
		if _, dup := r.byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate processor name %q", p.Name())
		}
		r.byCategory[p.Category()] = p
		r.byName[p.Name()] = p
	}
	return r, nil
}

// ForCategory returns the processor handling category
func (r *Registry) ForCategory(category domain.Category) (Processor, error) {
	p, ok := r.byCategory[category]
	if !ok {
		return nil, fmt.Errorf("%w: category %q", domain.ErrProcessorNotFound, category)
	}
	return p, nil
}

// ForAsset returns the processor for the asset's MIME category
func (r *Registry) ForAsset(asset *domain.Asset) (Processor, error) {
	return r.ForCategory(asset.Category())
}

// ByName returns the processor registered under name
func (r *Registry) ByName(name string) (Processor, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProcessorNotFound, name)
	}
	return p, nil
}

// Categories lists the handled categories in a stable order
func (r *Registry) Categories() []domain.Category {
	out := make([]domain.Category, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Variation finds a declared variation by name. An empty name resolves to
// the original (nil spec).
func Variation(p Processor, fileType, name string) (*domain.VariationSpec, error) {
	if name == "" {
		return nil, nil
	}
	for _, v := range p.Variations(fileType) {
		if v.Name == name {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no %q for %q", domain.ErrVariationNotFound, p.Name(), name, fileType)
}
