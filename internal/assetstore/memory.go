package assetstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Memory is an in-process Store. Every read and write works on copies.
type Memory struct {
	mu     sync.Mutex
	assets map[string]*domain.Asset
	now    func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		assets: make(map[string]*domain.Asset),
		now:    time.Now,
	}
}

func (m *Memory) Create(_ context.Context, asset *domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := asset.Clone()
	if stored.Metadata == nil {
		stored.Metadata = domain.Metadata{}
	}
	if stored.Variations == nil {
		stored.Variations = domain.Variations{}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.assets[asset.ID] = stored
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, domain.ErrAssetNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter ListFilter) ([]domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		if filter.MimeType != "" && a.MimeType != filter.MimeType {
			continue
		}
		if filter.FileType != "" && a.FileType != filter.FileType {
			continue
		}
		if c := filter.Cursor; c != nil {
			if a.CreatedAt.After(c.CreatedAt) || (a.CreatedAt.Equal(c.CreatedAt) && a.ID >= c.ID) {
				continue
			}
		}
		out = append(out, *a.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit := filter.PageSize + 1; len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateMetadata(_ context.Context, id string, meta domain.Metadata) (*domain.Asset, error) {
	return m.update(id, func(a *domain.Asset) {
		a.Metadata = meta.Clone()
	})
}

func (m *Memory) UpdateVariation(_ context.Context, id, variation string, data domain.Metadata) (*domain.Asset, error) {
	return m.update(id, func(a *domain.Asset) {
		if a.Variations == nil {
			a.Variations = domain.Variations{}
		}
		a.Variations[variation] = data.Clone()
	})
}

func (m *Memory) SetPublic(_ context.Context, id string, public bool) (*domain.Asset, error) {
	return m.update(id, func(a *domain.Asset) {
		a.IsPublic = public
		a.IsActive = a.IsActive || public
	})
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[id]; !ok {
		return domain.ErrAssetNotFound
	}
	delete(m.assets, id)
	return nil
}

func (m *Memory) update(id string, fn func(a *domain.Asset)) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, domain.ErrAssetNotFound
	}
	fn(a)
	a.UpdatedAt = m.now()
	return a.Clone(), nil
}
