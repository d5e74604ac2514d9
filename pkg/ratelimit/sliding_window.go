package ratelimit

import (
	"context"
	"time"
)

// SlidingWindow counts individual actions over a moving window. It guards WebSocket
// upgrades, where a burst at a fixed window boundary would let a client double its rate.
type SlidingWindow struct {
	store  SlidingWindowStore
	limit  int
	window time.Duration
	now    func() time.Time
}

// SlidingWindowOption configures a SlidingWindow.
type SlidingWindowOption func(*SlidingWindow)

// WithWindowClock overrides the time source used to stamp recorded actions.
func WithWindowClock(now func() time.Time) SlidingWindowOption {
	return func(sw *SlidingWindow) {
		if now != nil {
			sw.now = now
		}
	}
}

// NewSlidingWindow creates a sliding window limiter allowing limit actions per window.
func NewSlidingWindow(store SlidingWindowStore, limit int, window time.Duration, opts ...SlidingWindowOption) (*SlidingWindow, error) {
	switch {
	case store == nil:
		return nil, ErrStoreRequired
	case limit <= 0:
		return nil, ErrInvalidLimit
	case window <= 0:
		return nil, ErrInvalidInterval
	}

	sw := &SlidingWindow{store: store, limit: limit, window: window, now: time.Now}
	for _, opt := range opts {
		opt(sw)
	}
	return sw, nil
}

func (sw *SlidingWindow) Allow(ctx context.Context, key string) (*Result, error) {
	return sw.AllowN(ctx, key, 1)
}

// AllowN records n actions for key when all of them fit into the window.
// A rejected call records nothing.
func (sw *SlidingWindow) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	n = max(n, 1)

	at := sw.now()
	allowed, count, err := sw.store.RecordIfAllowed(ctx, key, at, sw.window, sw.limit, n)
	if err != nil {
		return nil, err
	}
	return sw.result(allowed, count, at), nil
}

// Status reports the window state for key without recording an action.
func (sw *SlidingWindow) Status(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	count, err := sw.store.CountInWindow(ctx, key, sw.window)
	if err != nil {
		return nil, err
	}
	return sw.result(int(count) < sw.limit, count, sw.now()), nil
}

func (sw *SlidingWindow) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	return sw.store.Delete(ctx, key)
}

// result reports a full window length as the reset time, the upper bound for the
// oldest recorded action to expire.
func (sw *SlidingWindow) result(allowed bool, count int64, at time.Time) *Result {
	return &Result{
		Allowed:   allowed,
		Limit:     sw.limit,
		Remaining: max(0, sw.limit-int(count)),
		ResetAt:   at.Add(sw.window),
	}
}
