package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/getmockd/pubsubd/pkg/logging"
)

// DefaultPrefix namespaces broker channels inside Redis.
const DefaultPrefix = "pubsubd:"

// RedisConfig configures the Redis relay.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string
	// Prefix is prepended to every channel name. Defaults to DefaultPrefix.
	Prefix string
	// RetryAttempts is the number of connection attempts. Defaults to 3.
	RetryAttempts int
	// RetryInterval is the base wait between attempts. Defaults to 1s.
	RetryInterval time.Duration
	// ConnectTimeout bounds the whole connection process. Defaults to 30s.
	ConnectTimeout time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// Redis relays channels through Redis Pub/Sub. One Pub/Sub connection is
// shared by all channels of the process.
type Redis struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Relay = (*Redis)(nil)

// RedisOption configures a Redis relay.
type RedisOption func(*Redis)

// WithRedisLogger sets the logger used by the relay.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedis connects to Redis, verifying reachability with retries before
// returning.
func NewRedis(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*Redis, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	cfg.applyDefaults()

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	rdb := redis.NewClient(redisOpts)

	r := &Redis{
		rdb:    rdb,
		prefix: cfg.Prefix,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.connect(ctx, cfg); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	// Subscribing to nothing yields a Pub/Sub handle that channels are added
	// to as local reactors subscribe.
	r.pubsub = rdb.Subscribe(ctx)
	return r, nil
}

func (r *Redis) connect(ctx context.Context, cfg RedisConfig) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		if lastErr = r.rdb.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
		r.logger.Warn("redis relay not ready", "attempt", attempt, "error", lastErr)
		if attempt == cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %w", ErrNotReady, lastErr)
}

// Publish publishes payload to the prefixed channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.rdb.Publish(ctx, r.prefix+channel, payload).Err()
}

// Subscribe adds channels to the shared Pub/Sub connection.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if len(channels) == 0 {
		return nil
	}
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = r.prefix + ch
	}
	return r.pubsub.Subscribe(ctx, prefixed...)
}

// Run forwards Redis messages to h with the prefix stripped. It returns nil
// when ctx is done and ErrClosed when the relay is closed underneath it.
func (r *Redis) Run(ctx context.Context, h Handler) error {
	if r.isClosed() {
		return ErrClosed
	}
	msgCh := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				return ErrClosed
			}
			if !strings.HasPrefix(msg.Channel, r.prefix) {
				continue
			}
			h(strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
		}
	}
}

// Healthcheck pings Redis.
func (r *Redis) Healthcheck(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Pub/Sub connection and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return errors.Join(r.pubsub.Close(), r.rdb.Close())
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
