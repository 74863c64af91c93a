// Package ratelimit enforces per-user request limits with a Redis sliding
// window so the limit holds across gateway instances.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config configures the limiter.
type Config struct {
	// Limit is the number of requests allowed per window. Default: 60.
	Limit int `yaml:"limit"`

	// Window is the sliding window length. Default: 60 s.
	Window time.Duration `yaml:"window"`

	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Limit:   60,
		Window:  time.Minute,
		Enabled: true,
	}
}

// Limiter implements a sliding-window log over a Redis sorted set. A backend
// outage fails open: limiting degrades rather than blocking all traffic.
type Limiter struct {
	client redis.UniversalClient
	config Config
	logger *slog.Logger
}

// NewLimiter creates a limiter over the given Redis client.
func NewLimiter(client redis.UniversalClient, config Config, logger *slog.Logger) *Limiter {
	if config.Limit <= 0 {
		config.Limit = 60
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client: client,
		config: config,
		logger: logger.With("component", "ratelimit"),
	}
}

// Allow records one request for the key and reports whether it fits in the
// window. The request is counted even when denied, so a client hammering the
// limit keeps extending it.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if !l.config.Enabled {
		return true
	}

	now := time.Now()
	windowStart := now.Add(-l.config.Window)
	redisKey := "ratelimit:ai:" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit backend unavailable, failing open", "error", err)
		return true
	}
	return count.Val() <= int64(l.config.Limit)
}

// Remaining returns how many requests the key has left in the current
// window. Returns the full limit on backend failure.
func (l *Limiter) Remaining(ctx context.Context, key string) int {
	if !l.config.Enabled {
		return l.config.Limit
	}

	windowStart := time.Now().Add(-l.config.Window)
	redisKey := "ratelimit:ai:" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	count := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.config.Limit
	}

	remaining := l.config.Limit - int(count.Val())
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
