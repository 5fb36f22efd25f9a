// Package bootstrap assembles the pipeline both services run from one config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/asset-pipeline/internal/assetstore"
	"github.com/cuongbtq/asset-pipeline/internal/broker"
	"github.com/cuongbtq/asset-pipeline/internal/config"
	"github.com/cuongbtq/asset-pipeline/internal/filestore"
	"github.com/cuongbtq/asset-pipeline/internal/lock"
	"github.com/cuongbtq/asset-pipeline/internal/pipeline"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
	imageproc "github.com/cuongbtq/asset-pipeline/internal/processor/image"
	"github.com/cuongbtq/asset-pipeline/shared/logger"
	"github.com/cuongbtq/asset-pipeline/shared/postgresql"
	"github.com/cuongbtq/asset-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/asset-pipeline/shared/redis"
)

const connectTimeout = 10 * time.Second

// Pipeline holds the wired coordinator and the clients behind it
type Pipeline struct {
	Coordinator *pipeline.Coordinator
	Assets      *assetstore.Postgres
	Broker      *broker.Redis
	Layout      *filestore.Layout
	Locks       *lock.Manager
	Registry    *processor.Registry
	DB          *postgresql.Client
	Redis       *redis.Client
}

// NewPipeline connects to Postgres and Redis and builds the coordinator.
// queue receives pass-2 jobs.
func NewPipeline(ctx context.Context, cfg *config.Config, queue pipeline.JobQueue, log *slog.Logger) (_ *Pipeline, err error) {
	p := &Pipeline{}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.DB, err = InitPostgreSQL(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	p.Assets = assetstore.NewPostgres(p.DB, log)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err = p.Assets.EnsureSchema(connectCtx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		p.Redis, err = redis.OpenClientFrom(connectCtx, url, log)
	} else {
		p.Redis, err = redis.OpenClient(connectCtx, &redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}
	p.Broker = broker.NewRedis(p.Redis.DB(), cfg.Redis.KeyPrefix, log)

	p.Layout, err = filestore.NewLayout(cfg.Storage.ProtectedDir, cfg.Storage.PublicDir)
	if err != nil {
		return nil, err
	}

	var lockOpts []lock.Option
	if cfg.Pipeline.LockTimeout > 0 {
		lockOpts = append(lockOpts, lock.WithTimeout(cfg.Pipeline.LockTimeout))
	}
	p.Locks, err = lock.NewManager(cfg.Storage.LockDir, log, lockOpts...)
	if err != nil {
		return nil, err
	}

	p.Registry, err = processor.NewRegistry(imageproc.New(log))
	if err != nil {
		return nil, err
	}

	p.Coordinator = pipeline.New(pipeline.Dependencies{
		Assets:   p.Assets,
		Layout:   p.Layout,
		Locks:    p.Locks,
		Broker:   p.Broker,
		Queue:    queue,
		Registry: p.Registry,
		Logger:   log,
	},
		pipeline.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
		pipeline.WithPass1Concurrency(cfg.Pipeline.Pass1Concurrency),
	)

	return p, nil
}

// Close releases the broker and both clients
func (p *Pipeline) Close() {
	if p.Broker != nil {
		_ = p.Broker.Close()
	}
	if p.Redis != nil {
		_ = p.Redis.Close()
	}
	if p.DB != nil {
		_ = p.DB.Close()
	}
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// InitRabbitMQ initializes the RabbitMQ client with one queue per category
func InitRabbitMQ(cfg *config.RabbitMQConfig, categories []string, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueuePrefix:        cfg.Queue.Prefix,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		Categories:         categories,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
