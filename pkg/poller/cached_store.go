package poller

import (
	"context"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/cache"
)

// CachedStore puts an LRU in front of a SnapshotStore for Get. Writes go through to the
// backing store first and then refresh the cache. Index queries always hit the backend.
type CachedStore struct {
	SnapshotStore
	lru *cache.LRU[string, Snapshot]
}

// NewCachedStore wraps backend with a cache of size entries expiring after ttl.
func NewCachedStore(backend SnapshotStore, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	return &CachedStore{
		SnapshotStore: backend,
		lru:           cache.New(size, cache.WithTTL[string, Snapshot](ttl)),
	}
}

// Get implements SnapshotStore.
func (c *CachedStore) Get(ctx context.Context, facilityID string) (Snapshot, bool, error) {
	if s, ok := c.lru.Get(facilityID); ok {
		return s, true, nil
	}
	s, ok, err := c.SnapshotStore.Get(ctx, facilityID)
	if err != nil || !ok {
		return s, ok, err
	}
	c.lru.Put(facilityID, s)
	return s, true, nil
}

// Put implements SnapshotStore.
func (c *CachedStore) Put(ctx context.Context, s Snapshot) error {
	if err := c.SnapshotStore.Put(ctx, s); err != nil {
		c.lru.Remove(s.FacilityID)
		return err
	}
	s, _ = s.Normalize()
	c.lru.Put(s.FacilityID, s)
	return nil
}

// CacheLen returns the number of cached snapshots.
func (c *CachedStore) CacheLen() int { return c.lru.Len() }
