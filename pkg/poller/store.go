package poller

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// SnapshotStore holds the last published snapshot per facility together with the
// occupancy and available-bed indexes. Only the poller writes to it.
type SnapshotStore interface {
	Get(ctx context.Context, facilityID string) (Snapshot, bool, error)
	Put(ctx context.Context, s Snapshot) error
	All(ctx context.Context) ([]Snapshot, error)
	// ByAvailableBeds returns snapshots with at least minBeds free beds, most beds first.
	// A non-positive limit returns all of them.
	ByAvailableBeds(ctx context.Context, minBeds, limit int) ([]Snapshot, error)
	// ByOccupancy returns snapshots with an occupancy rate of at most maxRate, lowest first.
	ByOccupancy(ctx context.Context, maxRate float64, limit int) ([]Snapshot, error)
	Len(ctx context.Context) (int, error)
}

type indexKey struct {
	score float64
	id    string
}

func compareKeys(a, b indexKey) int {
	if c := cmp.Compare(a.score, b.score); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// sortedIndex keeps keys ordered by score, then id.
type sortedIndex []indexKey

func (x *sortedIndex) insert(k indexKey) {
	i, _ := slices.BinarySearchFunc(*x, k, compareKeys)
	*x = slices.Insert(*x, i, k)
}

func (x *sortedIndex) remove(k indexKey) {
	if i, ok := slices.BinarySearchFunc(*x, k, compareKeys); ok {
		*x = slices.Delete(*x, i, i+1)
	}
}

// MemoryStore is an in-process SnapshotStore.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	available sortedIndex
	occupancy sortedIndex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

// Get implements SnapshotStore.
func (m *MemoryStore) Get(_ context.Context, facilityID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[facilityID]
	return s, ok, nil
}

// Put implements SnapshotStore.
func (m *MemoryStore) Put(_ context.Context, s Snapshot) error {
	s, err := s.Normalize()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.snapshots[s.FacilityID]; ok {
		m.available.remove(indexKey{float64(prev.AvailableBeds), prev.FacilityID})
		m.occupancy.remove(indexKey{prev.OccupancyRate, prev.FacilityID})
	}
	m.snapshots[s.FacilityID] = s
	m.available.insert(indexKey{float64(s.AvailableBeds), s.FacilityID})
	m.occupancy.insert(indexKey{s.OccupancyRate, s.FacilityID})
	return nil
}

// All implements SnapshotStore. Snapshots are ordered by facility ID.
func (m *MemoryStore) All(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.FacilityID, b.FacilityID) })
	return out, nil
}

// ByAvailableBeds implements SnapshotStore.
func (m *MemoryStore) ByAvailableBeds(_ context.Context, minBeds, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for i := len(m.available) - 1; i >= 0; i-- {
		k := m.available[i]
		if k.score < float64(minBeds) {
			break
		}
		out = append(out, m.snapshots[k.id])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ByOccupancy implements SnapshotStore.
func (m *MemoryStore) ByOccupancy(_ context.Context, maxRate float64, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for _, k := range m.occupancy {
		if k.score > maxRate {
			break
		}
		out = append(out, m.snapshots[k.id])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len implements SnapshotStore.
func (m *MemoryStore) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots), nil
}
