package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces limiter keys in Redis.
const DefaultRedisPrefix = "safetydash:rl"

// fixedWindowScript increments the counter for KEYS[1], starting a window of
// ARGV[1] milliseconds on the first hit, and returns {count, pttl}.
// The counter keeps growing past the limit, matching FixedWindow.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])

local count = redis.call('INCR', key)
local ttl = redis.call('PTTL', key)
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', key, window)
	ttl = window
end
return {count, ttl}
`)

// RedisConfig holds Redis connection configuration for the shared window limiter.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0")
	URL string
	// Prefix namespaces limiter keys (defaults to DefaultRedisPrefix)
	Prefix string
}

// RedisWindow is a fixed-window limiter whose counters live in Redis, so
// several instances share one budget per key. When Redis fails it degrades to
// the local fallback limiter instead of rejecting or admitting everything.
type RedisWindow struct {
	client   redis.UniversalClient
	prefix   string
	fallback *FixedWindow
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewRedisWindow connects to Redis and returns a shared window limiter.
func NewRedisWindow(ctx context.Context, cfg RedisConfig, fallback *FixedWindow, logger *slog.Logger) (*RedisWindow, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisWindowWithClient(client, cfg.Prefix, fallback, logger), nil
}

// NewRedisWindowWithClient wraps an existing client.
func NewRedisWindowWithClient(client redis.UniversalClient, prefix string, fallback *FixedWindow, logger *slog.Logger) *RedisWindow {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if fallback == nil {
		fallback = NewFixedWindow(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWindow{
		client:   client,
		prefix:   prefix,
		fallback: fallback,
		logger:   logger,
	}
}

// Allow implements WindowLimiter.
func (r *RedisWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		if !r.degraded.Swap(true) {
			r.logger.Warn("redis rate limiter unavailable, using local counters", "error", err)
		}
		return r.fallback.Check(key, limit, window), nil
	}
	if r.degraded.Swap(false) {
		r.logger.Info("redis rate limiter recovered")
	}

	count := int(res[0])
	resetIn := time.Duration(res[1]) * time.Millisecond
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Count:     count,
		ResetAt:   time.Now().Add(resetIn),
		ResetIn:   resetIn,
	}, nil
}

// Degraded reports whether the last call fell back to local counters.
func (r *RedisWindow) Degraded() bool {
	return r.degraded.Load()
}

// Close closes the Redis connection.
func (r *RedisWindow) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
