// Package ratelimit throttles requests to the compute service so that a
// mission with many cases stays under the account's request quota.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/mission-int/internal/logging"
)

// warnAfter is how long a caller must be held back before the wait is logged.
const warnAfter = 2 * time.Second

// warnEvery limits how often long waits are logged.
const warnEvery = 10 * time.Second

// RateLimiter is a token bucket. It allows bursts up to burst requests and
// refills at the sustained rate.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *logging.Logger

	mu       sync.Mutex
	lastWarn time.Time
}

// NewRateLimiter creates a limiter that starts with a full bucket.
//
// Parameters:
//   - perSecond: sustained requests per second
//   - burst: maximum requests that may be issued back to back
func NewRateLimiter(perSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// Wait blocks until a request may be issued or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	r := rl.limiter.Reserve()
	if !r.OK() {
		return rl.limiter.Wait(ctx)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > warnAfter {
		rl.warn(delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rl *RateLimiter) warn(delay time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.lastWarn) < warnEvery {
		return
	}
	rl.lastWarn = time.Now()
	rl.logger.Warn().Dur("wait", delay).Msg("Rate limited: waiting for request capacity")
}

// Allow reports whether a request may be issued now and consumes a token if so.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Tokens returns the number of requests that may be issued immediately.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.Tokens()
}

// Limit returns the sustained rate in requests per second.
func (rl *RateLimiter) Limit() float64 {
	return float64(rl.limiter.Limit())
}

// Burst returns the bucket capacity.
func (rl *RateLimiter) Burst() int {
	return rl.limiter.Burst()
}
