// Package clients provides the outbound HTTP plumbing shared by connectors:
// per-connector token bucket rate limiting and a bearer-token transport that
// refreshes credentials once on a 401.
package clients

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tributary/pkg/metrics"
)

// RateLimiter defines the interface for rate limiting implementations.
// It supports immediate checks and blocking waits.
type RateLimiter interface {
	// Allow reports whether a request may proceed now, consuming a token if so
	Allow() bool
	// Wait blocks until a request may proceed or ctx is done
	Wait(ctx context.Context) error
	// SetRate updates the sustained rate in requests per second
	SetRate(rps float64)
}

// TokenBucketRateLimiter implements RateLimiter with golang.org/x/time/rate.
// A non-positive rate disables limiting.
type TokenBucketRateLimiter struct {
	name    string
	limiter *rate.Limiter
}

// NewRateLimiter creates a token bucket limiter named for metrics
func NewRateLimiter(name string, rps float64, burst int) *TokenBucketRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketRateLimiter{
		name:    name,
		limiter: rate.NewLimiter(toLimit(rps), burst),
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Allow checks if a request is allowed immediately.
func (tb *TokenBucketRateLimiter) Allow() bool {
	return tb.limiter.Allow()
}

// Wait blocks until a request is allowed
func (tb *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := tb.limiter.Wait(ctx)
	metrics.RateLimitWaits.WithLabelValues(tb.name).Observe(time.Since(start).Seconds())
	return err
}

// SetRate updates the rate limit
func (tb *TokenBucketRateLimiter) SetRate(rps float64) {
	tb.limiter.SetLimit(toLimit(rps))
}

// Rate returns the current sustained rate, or 0 when unlimited
func (tb *TokenBucketRateLimiter) Rate() float64 {
	l := tb.limiter.Limit()
	if l == rate.Inf {
		return 0
	}
	return float64(l)
}
