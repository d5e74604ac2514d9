package ratelimit

import (
	"context"
	"time"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long to wait before the next action is allowed.
// Returns 0 if the checked action was allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return max(0, time.Until(r.ResetAt))
}

// Limiter defines the interface for rate limiting implementations.
type Limiter interface {
	// Allow consumes one slot for key if available.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN consumes n slots for key if available.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// Status reports the current state for key without consuming anything.
	Status(ctx context.Context, key string) (*Result, error)

	// Reset clears all state for key.
	Reset(ctx context.Context, key string) error
}

// Store is a counter backend for fixed window limiting.
type Store interface {
	// IncrementAndGet atomically adds incr to the counter for key, starting a new window
	// of the given length when none is active, and returns the new value and remaining TTL.
	IncrementAndGet(ctx context.Context, key string, incr int, window time.Duration) (current int64, ttl time.Duration, err error)

	// Get returns the current counter value and remaining TTL for key.
	Get(ctx context.Context, key string) (current int64, ttl time.Duration, err error)

	// Delete removes key from the store.
	Delete(ctx context.Context, key string) error
}

// SlidingWindowStore extends Store with timestamp tracking.
type SlidingWindowStore interface {
	Store

	// CountInWindow returns the number of recorded timestamps within window.
	CountInWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// RecordIfAllowed records n timestamps when the count stays within limit.
	// Returns whether they were recorded and the resulting count.
	RecordIfAllowed(ctx context.Context, key string, at time.Time, window time.Duration, limit, n int) (bool, int64, error)
}
