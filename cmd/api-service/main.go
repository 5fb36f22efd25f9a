package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/asset-pipeline/internal/api/handler"
	"github.com/cuongbtq/asset-pipeline/internal/api/router"
	"github.com/cuongbtq/asset-pipeline/internal/bootstrap"
	"github.com/cuongbtq/asset-pipeline/internal/config"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.Pipeline.Categories, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	publisher := worker.NewPublisher(rabbitClient, appLogger.Component("publisher"))

	p, err := bootstrap.NewPipeline(context.Background(), cfg, publisher, appLogger.Component("pipeline"))
	if err != nil {
		return err
	}
	defer p.Close()

	appLogger.Info("Pipeline ready",
		slog.Any("categories", p.Registry.Categories()),
		slog.Int("max_attempts", cfg.Pipeline.MaxAttempts),
	)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:         appLogger.Component("http"),
		Assets:         p.Assets,
		Layout:         p.Layout,
		Mover:          filestore.NewMover(p.Layout, p.Locks, appLogger.Component("mover")),
		Pipeline:       p.Coordinator,
		Registry:       p.Registry,
		WaitTimeout:    cfg.Pipeline.WaitTimeout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		HealthChecks: map[string]handler.HealthCheck{
			"postgres": p.DB.HealthCheck,
			"redis": func(ctx context.Context) error {
				return p.Redis.DB().Ping(ctx).Err()
			},
			"rabbitmq": func(context.Context) error {
				if !rabbitClient.IsConnected() {
					return errors.New("not connected")
				}
				return nil
			},
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("wait_timeout", cfg.Pipeline.WaitTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	// pass-1 stages started by uploads finish before the clients close
	if err := p.Coordinator.Drain(ctx); err != nil {
		appLogger.Warn("Pass-1 stages still running at shutdown", slog.Any("error", err))
	}

	appLogger.Info("Server shutdown complete", slog.String("db_pool", p.DB.Stats()))
	return nil
}
