package middleware

import (
	"context"
	"math"
	"time"

	"runbox/internal/common/cache"
	appErr "runbox/pkg/errors"
)

const (
	defaultWindow         = time.Second
	defaultKeyPrefix      = "runbox:rate:ip:"
	defaultCounterTimeout = 200 * time.Millisecond
)

// WindowLimiter enforces a fixed-window request count kept in a shared cache.
type WindowLimiter struct {
	counters cache.CounterOps
	window   time.Duration
	max      int64
	prefix   string
	timeout  time.Duration
}

// NewWindowLimiter creates a shared limiter allowing max(burst, rps*window) requests per window.
func NewWindowLimiter(counters cache.CounterOps, policy RateLimitPolicy) *WindowLimiter {
	window := policy.Window
	if window <= 0 {
		window = defaultWindow
	}
	limit := int64(math.Ceil(policy.RPS * window.Seconds()))
	if int64(policy.Burst) > limit {
		limit = int64(policy.Burst)
	}
	if limit < 1 {
		limit = 1
	}
	prefix := policy.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &WindowLimiter{
		counters: counters,
		window:   window,
		max:      limit,
		prefix:   prefix,
		timeout:  defaultCounterTimeout,
	}
}

// Max returns the number of requests allowed per window.
func (l *WindowLimiter) Max() int64 {
	return l.max
}

// Take implements Limiter.
func (l *WindowLimiter) Take(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key = l.prefix + key
	acquired, err := l.counters.SetNX(ctx, key, 1, l.window)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.ServiceUnavailable, "rate limit check failed")
	}
	if acquired {
		return true, nil
	}
	count, err := l.counters.Incr(ctx, key)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.ServiceUnavailable, "rate limit check failed")
	}
	// Re-arm a counter whose expiry was lost.
	if ttl, ttlErr := l.counters.TTL(ctx, key); ttlErr == nil && ttl < 0 {
		_ = l.counters.Expire(ctx, key, l.window)
	}
	return count <= l.max, nil
}
