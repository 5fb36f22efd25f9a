package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// incrIfExists returns the new counter, or -1 when the key is gone.
var incrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCR', KEYS[1])
end
return -1
`)

// decrIfExists lowers the counter by ARGV[1] without going below zero.
var decrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	local v = redis.call('DECRBY', KEYS[1], ARGV[1])
	if v < 0 then
		redis.call('SET', KEYS[1], 0)
		return 0
	end
	return v
end
return -1
`)

// Redis is a Broker backed by Redis keys and pub/sub. Counters live at
// <prefix>:queue:<key>, messages travel on <prefix>:done:<key>.
type Redis struct {
	db     *redis.Client
	prefix string
	logger *slog.Logger
	pubsub *redis.PubSub

	mu        sync.Mutex
	callbacks map[domain.QueueKey][]Callback

	confirmMu sync.Mutex
	confirms  map[string][]chan struct{}

	wg sync.WaitGroup
}

// NewRedis starts the subscriber loop on a dedicated pub/sub connection.
func NewRedis(db *redis.Client, prefix string, logger *slog.Logger) *Redis {
	r := &Redis{
		db:        db,
		prefix:    prefix,
		logger:    logger,
		pubsub:    db.Subscribe(context.Background()),
		callbacks: make(map[domain.QueueKey][]Callback),
		confirms:  make(map[string][]chan struct{}),
	}

	r.wg.Add(1)
	go r.receive()

	return r
}

func (r *Redis) counter(key domain.QueueKey) string {
	return r.prefix + ":queue:" + string(key)
}

func (r *Redis) channel(key domain.QueueKey) string {
	return r.prefix + ":done:" + string(key)
}

func (r *Redis) keyOf(channel string) domain.QueueKey {
	return domain.QueueKey(strings.TrimPrefix(channel, r.prefix+":done:"))
}

// InitCounter implements Broker
func (r *Redis) InitCounter(ctx context.Context, key domain.QueueKey) error {
	return Error.Wrap(r.db.SetNX(ctx, r.counter(key), 0, 0).Err())
}

// IsQueued implements Broker
func (r *Redis) IsQueued(ctx context.Context, key domain.QueueKey) (bool, error) {
	n, err := r.db.Exists(ctx, r.counter(key)).Result()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n == 1, nil
}

// Counter returns the counter value and whether it exists
func (r *Redis) Counter(ctx context.Context, key domain.QueueKey) (int64, bool, error) {
	n, err := r.db.Get(ctx, r.counter(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, Error.Wrap(err)
	}
	return n, true, nil
}

// AddCallback implements Broker. The subscription is confirmed before the
// counter is incremented, so a publish that follows a successful increment
// always reaches this process.
func (r *Redis) AddCallback(ctx context.Context, key domain.QueueKey, cb Callback) error {
	channel := r.channel(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, subscribed := r.callbacks[key]
	if !subscribed {
		if err := r.subscribe(ctx, channel); err != nil {
			return err
		}
	}

	n, err := incrIfExists.Run(ctx, r.db, []string{r.counter(key)}).Int64()
	if err != nil || n < 0 {
		if !subscribed {
			if uerr := r.pubsub.Unsubscribe(ctx, channel); uerr != nil {
				r.logger.Warn("Failed to unsubscribe", slog.String("channel", channel), slog.Any("error", uerr))
			}
		}
		if err != nil {
			return Error.Wrap(err)
		}
		return ErrNotQueued
	}

	r.callbacks[key] = append(r.callbacks[key], cb)
	return nil
}

func (r *Redis) subscribe(ctx context.Context, channel string) error {
	confirmed := make(chan struct{})

	r.confirmMu.Lock()
	r.confirms[channel] = append(r.confirms[channel], confirmed)
	r.confirmMu.Unlock()

	if err := r.pubsub.Subscribe(ctx, channel); err != nil {
		return Error.Wrap(err)
	}

	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Redis) confirm(channel string) {
	r.confirmMu.Lock()
	defer r.confirmMu.Unlock()
	for _, ch := range r.confirms[channel] {
		close(ch)
	}
	delete(r.confirms, channel)
}

// Publish implements Broker
func (r *Redis) Publish(ctx context.Context, key domain.QueueKey, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Error.Wrap(err)
	}

	if !msg.Final {
		return Error.Wrap(r.db.Publish(ctx, r.channel(key), payload).Err())
	}

	_, err = r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.counter(key))
		pipe.Publish(ctx, r.channel(key), payload)
		return nil
	})
	return Error.Wrap(err)
}

func (r *Redis) receive() {
	defer r.wg.Done()

	for raw := range r.pubsub.ChannelWithSubscriptions() {
		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.confirm(m.Channel)
			}
		case *redis.Message:
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warn("Dropping malformed broker message",
					slog.String("channel", m.Channel),
					slog.Any("error", err),
				)
				continue
			}
			r.wg.Add(1)
			go r.handle(r.keyOf(m.Channel), m.Channel, msg)
		}
	}
}

func (r *Redis) handle(key domain.QueueKey, channel string, msg Message) {
	defer r.wg.Done()
	ctx := context.Background()

	r.mu.Lock()
	cbs := r.callbacks[key]
	delete(r.callbacks, key)

	if err := r.pubsub.Unsubscribe(ctx, channel); err != nil {
		r.logger.Warn("Failed to unsubscribe", slog.String("channel", channel), slog.Any("error", err))
	}

	if !msg.Final && len(cbs) > 0 {
		if err := decrIfExists.Run(ctx, r.db, []string{r.counter(key)}, len(cbs)).Err(); err != nil {
			r.logger.Error("Failed to decrement counter",
				slog.String("queue_key", string(key)),
				slog.Any("error", err),
			)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Resolving waiting callbacks",
		slog.String("queue_key", string(key)),
		slog.Int("callbacks", len(cbs)),
		slog.Bool("success", msg.Success),
		slog.Bool("final", msg.Final),
	)

	for _, cb := range cbs {
		cb(msg)
	}
}

// Close stops the subscriber loop and waits for in-flight deliveries
func (r *Redis) Close() error {
	err := r.pubsub.Close()
	r.wg.Wait()
	return Error.Wrap(err)
}
