package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is a free-form fact blob produced by a processor.
type Metadata map[string]any

// Value implements driver.Valuer for jsonb columns
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for jsonb columns
func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Clone returns a shallow copy
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Variations maps a variation name to its persisted facts.
type Variations map[string]Metadata

// Value implements driver.Valuer for jsonb columns
func (v Variations) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner for jsonb columns
func (v *Variations) Scan(src any) error {
	return scanJSON(src, v)
}

func scanJSON(src any, dest any) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// Keys persisted under variations.<name> besides the processor whitelist.
const (
	VariationBytesKey    = "bytes"
	VariationMimeTypeKey = "mime_type"
)

// Asset is a stored file record.
type Asset struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	MimeType   string     `db:"mime_type" json:"mime_type"`
	FileType   string     `db:"file_type" json:"file_type"`
	Bytes      int64      `db:"bytes" json:"bytes"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	IsPublic   bool       `db:"is_public" json:"is_public"`
	Metadata   Metadata   `db:"metadata" json:"metadata"`
	Variations Variations `db:"variations" json:"variations"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Category resolves the processing category from the MIME type
func (a *Asset) Category() Category {
	return CategoryOf(a.MimeType)
}

// Clone returns a copy safe to mutate without touching the receiver's maps
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	out := *a
	out.Metadata = a.Metadata.Clone()
	if a.Variations != nil {
		out.Variations = make(Variations, len(a.Variations))
		for k, v := range a.Variations {
			out.Variations[k] = v.Clone()
		}
	}
	return &out
}
