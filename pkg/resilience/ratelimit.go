package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter admits at most limit calls per window for each resource
// key. The window lives in Redis as a sorted set of call timestamps so
// that every orchestrator instance draws from the same quota. On a
// cache outage the limiter fails open: calls proceed.
type RateLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	logger *slog.Logger
}

// NewRateLimiter creates a limiter admitting limit calls per window.
func NewRateLimiter(client redis.Cmdable, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
		logger: logger.With("component", "ratelimit"),
	}
}

// Allow records an admission for key and reports whether the call may
// proceed. Entries older than the window are evicted before counting.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := l.prefix + key
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", cutoff)
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter cache unavailable, admitting call",
			"key", key, "error", err)
		return true, nil
	}

	if countCmd.Val() >= int64(l.limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), key)
	add := l.client.TxPipeline()
	add.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	add.Expire(ctx, redisKey, l.window+time.Second)
	if _, err := add.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter failed to record admission",
			"key", key, "error", err)
	}
	return true, nil
}
