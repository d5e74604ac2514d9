package ratelimit

import (
	"context"
	"time"
)

// FixedWindow allows up to limit actions per key within a window that opens on the
// first action and closes window later.
type FixedWindow struct {
	store  Store
	limit  int
	window time.Duration
}

// NewFixedWindow creates a fixed window limiter.
func NewFixedWindow(store Store, limit int, window time.Duration) (*FixedWindow, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidInterval
	}
	return &FixedWindow{store: store, limit: limit, window: window}, nil
}

// MustFixedWindow is like NewFixedWindow but panics on invalid arguments.
func MustFixedWindow(store Store, limit int, window time.Duration) *FixedWindow {
	fw, err := NewFixedWindow(store, limit, window)
	if err != nil {
		panic(err)
	}
	return fw
}

// Limit returns the number of actions allowed per window.
func (fw *FixedWindow) Limit() int { return fw.limit }

// Window returns the window length.
func (fw *FixedWindow) Window() time.Duration { return fw.window }

// Allow consumes one slot for key.
func (fw *FixedWindow) Allow(ctx context.Context, key string) (*Result, error) {
	return fw.AllowN(ctx, key, 1)
}

// AllowN consumes n slots for key. Rejected calls count against the window too.
func (fw *FixedWindow) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	if n <= 0 {
		n = 1
	}

	current, ttl, err := fw.store.IncrementAndGet(ctx, key, n, fw.window)
	if err != nil {
		return nil, err
	}

	return &Result{
		Allowed:   current <= int64(fw.limit),
		Limit:     fw.limit,
		Remaining: max(0, fw.limit-int(current)),
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

// Status reports the window state for key without consuming a slot.
func (fw *FixedWindow) Status(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	current, ttl, err := fw.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return &Result{
		Allowed:   current < int64(fw.limit),
		Limit:     fw.limit,
		Remaining: max(0, fw.limit-int(current)),
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

// Reset clears the window for key.
func (fw *FixedWindow) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	return fw.store.Delete(ctx, key)
}
