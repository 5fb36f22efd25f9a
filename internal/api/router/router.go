package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/asset-pipeline/internal/api/handler"
)

const healthTimeout = 2 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps.HealthChecks))

	assetHandler := handler.NewAssetHandler(deps)

	v1 := r.Group("/api/v1")
	{
		assets := v1.Group("/assets")
		{
			assets.POST("", assetHandler.UploadAsset)
			assets.GET("", assetHandler.ListAssets)
			assets.GET("/:asset_id", assetHandler.GetAsset)
			assets.GET("/:asset_id/file", assetHandler.GetOriginal)
			assets.GET("/:asset_id/variations/:variation", assetHandler.GetVariation)
			assets.GET("/:asset_id/status", assetHandler.GetStatus)
			assets.POST("/:asset_id/activate", assetHandler.ActivateAsset)
			assets.POST("/:asset_id/reprocess", assetHandler.ReprocessAsset)
			assets.DELETE("/:asset_id", assetHandler.DeleteAsset)
		}
	}

	return r
}

func healthHandler(checks map[string]handler.HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(gin.H, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":   state,
			"service":  "asset-api-service",
			"backends": results,
		})
	}
}
