package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store and SlidingWindowStore.
// Expired counters and empty windows are swept on a background ticker until Close.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	windows  map[string][]time.Time

	now             func() time.Time
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an in-memory store and starts its cleanup loop.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		counters:        make(map[string]*counter),
		windows:         make(map[string][]time.Time),
		now:             time.Now,
		cleanupInterval: time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// IncrementAndGet implements Store.
func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, incr int, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count += int64(incr)

	return c.count, c.expiresAt.Sub(now), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		return 0, 0, nil
	}
	return c.count, c.expiresAt.Sub(now), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	delete(s.windows, key)
	return nil
}

// CountInWindow implements SlidingWindowStore.
func (s *MemoryStore) CountInWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.pruneLocked(key, s.now().Add(-window)))), nil
}

// RecordIfAllowed implements SlidingWindowStore.
func (s *MemoryStore) RecordIfAllowed(_ context.Context, key string, at time.Time, window time.Duration, limit, n int) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := s.pruneLocked(key, at.Add(-window))
	if len(valid)+n > limit {
		return false, int64(len(valid)), nil
	}

	for range n {
		valid = append(valid, at)
	}
	s.windows[key] = valid

	return true, int64(len(valid)), nil
}

// pruneLocked drops timestamps at or before cutoff. Caller must hold s.mu.
func (s *MemoryStore) pruneLocked(key string, cutoff time.Time) []time.Time {
	stamps := s.windows[key]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]
	if len(stamps) == 0 {
		delete(s.windows, key)
		return nil
	}
	s.windows[key] = stamps
	return stamps
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
		}
	}
	for key, stamps := range s.windows {
		if len(stamps) == 0 {
			delete(s.windows, key)
		}
	}
}

// Close stops the cleanup loop. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
