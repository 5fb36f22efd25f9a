package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/assetstore"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/pipeline"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
)

// HealthCheck probes one backing service
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Assets         assetstore.Store
	Layout         *filestore.Layout
	Mover          *filestore.Mover
	Pipeline       *pipeline.Coordinator
	Registry       *processor.Registry
	WaitTimeout    time.Duration
	MaxUploadBytes int64
	HealthChecks   map[string]HealthCheck
}

// AssetHandler handles asset-related HTTP requests
type AssetHandler struct {
	logger         *slog.Logger
	assets         assetstore.Store
	layout         *filestore.Layout
	mover          *filestore.Mover
	pipeline       *pipeline.Coordinator
	registry       *processor.Registry
	waitTimeout    time.Duration
	maxUploadBytes int64
	now            func() time.Time
}

// NewAssetHandler creates a new AssetHandler instance
func NewAssetHandler(deps *Dependencies) *AssetHandler {
	return &AssetHandler{
		logger:         deps.Logger,
		assets:         deps.Assets,
		layout:         deps.Layout,
		mover:          deps.Mover,
		pipeline:       deps.Pipeline,
		registry:       deps.Registry,
		waitTimeout:    deps.WaitTimeout,
		maxUploadBytes: deps.MaxUploadBytes,
		now:            time.Now,
	}
}
