package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket holding capacity tokens, refilled evenly over window.
// It is shared by every symbol trading through one venue account.
type RateLimiter struct {
	limiter  *rate.Limiter
	capacity int
	window   time.Duration
}

func NewRateLimiter(capacity int, window time.Duration) *RateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Every(window/time.Duration(capacity)), capacity),
		capacity: capacity,
		window:   window,
	}
}

// CheckLimit suspends the caller until a token is available. It only fails when ctx ends first.
func (r *RateLimiter) CheckLimit(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Available returns the number of whole tokens currently in the bucket.
func (r *RateLimiter) Available() int {
	return int(r.limiter.Tokens())
}

func (r *RateLimiter) Capacity() int { return r.capacity }
