// Package redis opens the shared Redis connection used for cross-process
// coordination.
package redis

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

// Error is a redis error.
var Error = errs.Class("redis")

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Client wraps a go-redis client.
type Client struct {
	db     *redis.Client
	logger *slog.Logger
}

// OpenClient returns a configured Client, verifying the connection with a ping.
func OpenClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	db := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, Error.New("ping %s failed: %v", config.Addr, err)
	}

	logger.Info("Connected to Redis",
		slog.String("addr", config.Addr),
		slog.Int("db", config.DB),
	)

	return &Client{db: db, logger: logger}, nil
}

// OpenClientFrom parses a redis://host:port?db=N&password=P address.
func OpenClientFrom(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if v := q.Get("db"); v != "" {
		db, err = strconv.Atoi(v)
		if err != nil {
			return nil, Error.New("invalid db %q: %v", v, err)
		}
	}

	return OpenClient(ctx, &Config{
		Addr:     redisurl.Host,
		Password: q.Get("password"),
		DB:       db,
	}, logger)
}

// DB returns the underlying go-redis client.
func (c *Client) DB() *redis.Client {
	return c.db
}

// Close closes the client.
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return Error.Wrap(c.db.Close())
}
