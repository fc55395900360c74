package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/flowhook/flowhook/core"
)

// Rate-limit defaults: 100 requests per 60-second window per webhook.
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter is a fixed-window counter in Redis, isolated per webhook.
// INCR plus a first-touch EXPIRE keeps the whole check to two round
// trips and survives process restarts.
type RateLimiter struct {
	redis  *core.RedisClient
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a limiter. Zero limit or window select the
// defaults.
func NewRateLimiter(redis *core.RedisClient, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{redis: redis, limit: limit, window: window}
}

// Allow consumes one request from the webhook's bucket. When the bucket
// is exhausted it returns false with the seconds until the window
// resets, for the Retry-After header.
func (r *RateLimiter) Allow(ctx context.Context, webhookID string) (bool, int, error) {
	key := fmt.Sprintf("rl:webhook:%s", webhookID)
	count, err := r.redis.Incr(ctx, key)
	if err != nil {
		return false, 0, &core.DomainError{Op: "webhook.RateLimiter.Allow", Kind: core.KindTransport, ID: webhookID, Err: err}
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window); err != nil {
			return false, 0, &core.DomainError{Op: "webhook.RateLimiter.Allow", Kind: core.KindTransport, ID: webhookID, Err: err}
		}
	}
	if count <= r.limit {
		return true, 0, nil
	}

	ttl, err := r.redis.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = r.window
	}
	retryAfter := int(ttl.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
