package rateLimit

import (
	"context"
	"time"

	"github.com/robertarktes/ride-bookings/internal/observability"
)

// Counter counts hits per key in fixed windows.
type Counter interface {
	IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

// RateLimiter allows rate hits per key per period. A nil *RateLimiter
// allows everything.
type RateLimiter struct {
	counter Counter
	rate    int
	period  time.Duration
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, rate int, period time.Duration, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, rate: rate, period: period, logger: logger}
}

// Allow reports whether key is under its limit. Counter failures let the
// request through.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}

	n, err := rl.counter.IncrWindow(ctx, "rl:"+key, rl.period)
	if err != nil {
		rl.logger.WithError(err).WithField("key", key).Warn("rate limit counter unavailable")
		return true
	}
	if n > int64(rl.rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}

// Period is the window length, used for Retry-After.
func (rl *RateLimiter) Period() time.Duration {
	return rl.period
}
