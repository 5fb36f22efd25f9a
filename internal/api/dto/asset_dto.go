package dto

import (
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/pipeline"
)

// UploadAssetRequest is the non-file part of the multipart upload
type UploadAssetRequest struct {
	Name     string `form:"name"`
	FileType string `form:"file_type"`
	MimeType string `form:"mime_type"`
	Public   bool   `form:"public"`
}

type ListAssetsRequest struct {
	MimeType string `form:"mime_type"`
	FileType string `form:"file_type"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListAssetsResponse struct {
	Assets     []AssetDTO `json:"assets"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type AssetDTO struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	MimeType   string            `json:"mime_type"`
	FileType   string            `json:"file_type"`
	Bytes      int64             `json:"bytes"`
	IsActive   bool              `json:"is_active"`
	IsPublic   bool              `json:"is_public"`
	Metadata   domain.Metadata   `json:"metadata"`
	Variations domain.Variations `json:"variations"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
}

// NewAssetDTO converts a record for the wire
func NewAssetDTO(a *domain.Asset) AssetDTO {
	return AssetDTO{
		ID:         a.ID,
		Name:       a.Name,
		MimeType:   a.MimeType,
		FileType:   a.FileType,
		Bytes:      a.Bytes,
		IsActive:   a.IsActive,
		IsPublic:   a.IsPublic,
		Metadata:   a.Metadata,
		Variations: a.Variations,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  a.UpdatedAt.Format(time.RFC3339),
	}
}

type StatusResponse struct {
	AssetID string               `json:"asset_id"`
	Keys    []pipeline.KeyStatus `json:"keys"`
}

type ActivateResponse struct {
	Asset    AssetDTO `json:"asset"`
	Moved    int      `json:"moved"`
	Deferred int      `json:"deferred"`
}

type ReprocessRequest struct {
	OnlyVariations bool `form:"only_variations"`
}

type GetVariationRequest struct {
	Wait *bool `form:"wait"`
}
