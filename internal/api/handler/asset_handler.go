package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/asset-pipeline/internal/api/dto"
	"github.com/cuongbtq/asset-pipeline/internal/assetstore"
	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	retryAfter      = 5
)

// UploadAsset handles POST /api/v1/assets
// Stores the original in the protected tier and starts post-processing
func (h *AssetHandler) UploadAsset(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	var req dto.UploadAssetRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respondFormError(c, "Invalid upload form", err)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		h.respondFormError(c, "file is required", err)
		return
	}

	mimeType, err := detectMimeType(req.MimeType, file)
	if err != nil {
		h.logger.Error("Failed to read upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable file"})
		return
	}

	name := req.Name
	if name == "" {
		name = file.Filename
	}
	now := h.now().UTC()
	asset := &domain.Asset{
		ID:        uuid.NewString(),
		Name:      name,
		MimeType:  mimeType,
		FileType:  req.FileType,
		Bytes:     file.Size,
		IsActive:  req.Public,
		IsPublic:  req.Public,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := h.registry.ForAsset(asset); err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":     "No processor for this media type",
			"mime_type": mimeType,
		})
		return
	}

	path := h.layout.Path(asset, nil)
	if err := filestore.Prepare(path); err != nil {
		h.logger.Error("Failed to prepare storage", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}
	if err := c.SaveUploadedFile(file, path); err != nil {
		h.logger.Error("Failed to store upload", slog.String("path", path), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	ctx := c.Request.Context()
	if err := h.assets.Create(ctx, asset); err != nil {
		h.logger.Error("Failed to create asset", slog.String("error", err.Error()))
		_ = filestore.Remove(path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create asset"})
		return
	}

	if err := h.pipeline.Postprocess(ctx, asset, false); err != nil {
		h.logger.Error("Failed to start post-processing",
			slog.String("asset_id", asset.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start processing"})
		return
	}

	h.logger.Info("Asset uploaded",
		slog.String("asset_id", asset.ID),
		slog.String("mime_type", asset.MimeType),
		slog.String("file_type", asset.FileType),
		slog.Int64("bytes", asset.Bytes),
	)

	c.JSON(http.StatusCreated, dto.NewAssetDTO(asset))
}

// detectMimeType trusts an explicit value, then the part header, then sniffs
func detectMimeType(explicit string, file *multipart.FileHeader) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct, nil
	}

	f, err := file.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

// GetAsset handles GET /api/v1/assets/:asset_id
func (h *AssetHandler) GetAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewAssetDTO(asset))
}

// ListAssets handles GET /api/v1/assets
// Lists assets newest first with cursor pagination
func (h *AssetHandler) ListAssets(c *gin.Context) {
	var req dto.ListAssetsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeAssetCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	assets, err := h.assets.List(c.Request.Context(), assetstore.ListFilter{
		MimeType: req.MimeType,
		FileType: req.FileType,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list assets", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list assets"})
		return
	}

	hasMore := len(assets) > req.PageSize
	if hasMore {
		assets = assets[:req.PageSize]
	}

	resp := dto.ListAssetsResponse{Assets: make([]dto.AssetDTO, len(assets))}
	for i := range assets {
		resp.Assets[i] = dto.NewAssetDTO(&assets[i])
	}
	if hasMore {
		last := assets[len(assets)-1]
		resp.NextCursor = EncodeAssetCursor(&assetstore.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// GetOriginal handles GET /api/v1/assets/:asset_id/file
func (h *AssetHandler) GetOriginal(c *gin.Context) {
	h.serveArtifact(c, "")
}

// GetVariation handles GET /api/v1/assets/:asset_id/variations/:variation
// Blocks while the variation is still being processed, up to the wait timeout
func (h *AssetHandler) GetVariation(c *gin.Context) {
	h.serveArtifact(c, c.Param("variation"))
}

func (h *AssetHandler) serveArtifact(c *gin.Context, variation string) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}

	var req dto.GetVariationRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	path, err := h.pipeline.ArtifactPath(asset, variation)
	if err != nil {
		if errors.Is(err, domain.ErrVariationNotFound) || errors.Is(err, domain.ErrProcessorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown variation", "variation": variation})
			return
		}
		h.logger.Error("Failed to resolve artifact", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve artifact"})
		return
	}

	queued, err := h.pipeline.IsQueued(c.Request.Context(), asset, variation)
	if err != nil {
		h.logger.Error("Failed to query broker", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query processing state"})
		return
	}

	if queued {
		if req.Wait != nil && !*req.Wait {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusAccepted, gin.H{"status": "processing", "asset_id": asset.ID, "variation": variation})
			return
		}

		ctx := c.Request.Context()
		if h.waitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.waitTimeout)
			defer cancel()
		}

		reloaded, fi, err := h.pipeline.Await(ctx, asset, variation)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Still processing", "asset_id": asset.ID, "variation": variation})
			return
		case err != nil:
			h.logger.Error("Failed to wait for artifact",
				slog.String("asset_id", asset.ID),
				slog.String("variation", variation),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to wait for processing"})
			return
		case reloaded == nil:
			c.JSON(http.StatusNotFound, gin.H{"error": "Asset not found"})
			return
		case fi == nil:
			c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not available", "asset_id": asset.ID, "variation": variation})
			return
		}

		// the asset may have switched tiers while we waited
		asset = reloaded
		if path, err = h.pipeline.ArtifactPath(asset, variation); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown variation", "variation": variation})
			return
		}
	}

	if !filestore.Exists(path) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not available", "asset_id": asset.ID, "variation": variation})
		return
	}

	c.File(path)
}

// GetStatus handles GET /api/v1/assets/:asset_id/status
func (h *AssetHandler) GetStatus(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}

	keys, err := h.pipeline.Status(c.Request.Context(), asset)
	if err != nil {
		h.logger.Error("Failed to read status", slog.String("asset_id", asset.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read status"})
		return
	}

	c.JSON(http.StatusOK, dto.StatusResponse{AssetID: asset.ID, Keys: keys})
}

// ActivateAsset handles POST /api/v1/assets/:asset_id/activate
// Publishes the asset and moves its files to the public tier
func (h *AssetHandler) ActivateAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	asset, err := h.assets.SetPublic(ctx, asset.ID, true)
	if err != nil {
		h.respondStoreError(c, "Failed to activate asset", err)
		return
	}

	proc, err := h.registry.ForAsset(asset)
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "No processor for this media type"})
		return
	}

	result, err := h.mover.Switch(ctx, asset, proc.Variations(asset.FileType))
	if err != nil {
		h.logger.Error("Failed to move asset files",
			slog.String("asset_id", asset.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to move asset files"})
		return
	}

	c.JSON(http.StatusOK, dto.ActivateResponse{
		Asset:    dto.NewAssetDTO(asset),
		Moved:    result.Moved,
		Deferred: result.Deferred,
	})
}

// ReprocessAsset handles POST /api/v1/assets/:asset_id/reprocess
func (h *AssetHandler) ReprocessAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}

	var req dto.ReprocessRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if err := h.pipeline.Postprocess(c.Request.Context(), asset, req.OnlyVariations); err != nil {
		if errors.Is(err, domain.ErrProcessorNotFound) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "No processor for this media type"})
			return
		}
		h.logger.Error("Failed to reprocess asset", slog.String("asset_id", asset.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start processing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"asset_id":        asset.ID,
		"only_variations": req.OnlyVariations,
		"status":          "processing",
	})
}

// DeleteAsset handles DELETE /api/v1/assets/:asset_id
// Removes the record and every file of the asset from both tiers
func (h *AssetHandler) DeleteAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}

	if err := h.assets.Delete(c.Request.Context(), asset.ID); err != nil {
		h.respondStoreError(c, "Failed to delete asset", err)
		return
	}

	paths := []string{
		h.layout.PathIn(asset, nil, filestore.TierProtected),
		h.layout.PathIn(asset, nil, filestore.TierPublic),
	}
	if proc, err := h.registry.ForAsset(asset); err == nil {
		for _, v := range proc.Variations(asset.FileType) {
			paths = append(paths,
				h.layout.PathIn(asset, &v, filestore.TierProtected),
				h.layout.PathIn(asset, &v, filestore.TierPublic),
			)
		}
	}
	for _, p := range paths {
		if err := filestore.Remove(p); err != nil {
			h.logger.Warn("Failed to remove asset file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}

	h.logger.Info("Asset deleted", slog.String("asset_id", asset.ID))
	c.Status(http.StatusNoContent)
}

// loadAsset validates the asset_id path parameter and fetches the record
func (h *AssetHandler) loadAsset(c *gin.Context) (*domain.Asset, bool) {
	assetID := c.Param("asset_id")
	if _, err := uuid.Parse(assetID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset_id must be a valid UUID"})
		return nil, false
	}

	asset, err := h.assets.Get(c.Request.Context(), assetID)
	if err != nil {
		h.respondStoreError(c, "Failed to get asset", err)
		return nil, false
	}
	return asset, true
}

func (h *AssetHandler) respondFormError(c *gin.Context, msg string, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (h *AssetHandler) respondStoreError(c *gin.Context, msg string, err error) {
	if errors.Is(err, domain.ErrAssetNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Asset not found"})
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
