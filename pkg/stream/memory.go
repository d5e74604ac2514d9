package stream

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// MemoryStore is an in-process Store. Each partition has its own lock, so
// publishers and readers of different partitions never contend.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[event.Partition]*memPartition
	now        func() time.Time
	closed     chan struct{}
	closeOnce  sync.Once
}

type entryID struct {
	ms  int64
	seq int64
}

func (id entryID) String() string {
	return strconv.FormatInt(id.ms, 10) + "-" + strconv.FormatInt(id.seq, 10)
}

func (id entryID) less(other entryID) bool {
	return id.ms < other.ms || (id.ms == other.ms && id.seq < other.seq)
}

func parseEntryID(s string) (entryID, error) {
	msPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		seqPart = "0"
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("%w: %q", ErrInvalidEntryID, s)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("%w: %q", ErrInvalidEntryID, s)
	}
	return entryID{ms: ms, seq: seq}, nil
}

type memEntry struct {
	id     entryID
	data   []byte
	fields map[string]string
}

type memPending struct {
	entry       memEntry
	consumer    string
	deliveries  int64
	deliveredAt time.Time
}

type memGroup struct {
	lastDelivered entryID
	pending       map[string]*memPending
}

type memPartition struct {
	mu      sync.Mutex
	entries []memEntry
	last    entryID
	groups  map[string]*memGroup
	// notify is closed and replaced on every append to wake blocked readers.
	notify chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[event.Partition]*memPartition),
		now:        time.Now,
		closed:     make(chan struct{}),
	}
}

func (s *MemoryStore) partition(p event.Partition, create bool) *memPartition {
	s.mu.RLock()
	mp, ok := s.partitions[p]
	s.mu.RUnlock()
	if ok || !create {
		return mp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mp, ok = s.partitions[p]; ok {
		return mp
	}
	mp = &memPartition{
		groups: make(map[string]*memGroup),
		notify: make(chan struct{}),
	}
	s.partitions[p] = mp
	return mp
}

func (s *MemoryStore) append(p event.Partition, data []byte, fields map[string]string) (string, error) {
	if p == "" {
		return "", ErrInvalidPartition
	}
	select {
	case <-s.closed:
		return "", ErrStoreClosed
	default:
	}

	mp := s.partition(p, true)
	mp.mu.Lock()
	defer mp.mu.Unlock()

	id := entryID{ms: s.now().UnixMilli()}
	if id.ms <= mp.last.ms {
		id = entryID{ms: mp.last.ms, seq: mp.last.seq + 1}
	}
	mp.last = id
	mp.entries = append(mp.entries, memEntry{id: id, data: slices.Clone(data), fields: fields})

	close(mp.notify)
	mp.notify = make(chan struct{})

	return id.String(), nil
}

// Publish implements Store.
func (s *MemoryStore) Publish(_ context.Context, partition event.Partition, data []byte) (string, error) {
	return s.append(partition, data, nil)
}

// CreateGroup implements Store.
func (s *MemoryStore) CreateGroup(_ context.Context, partition event.Partition, group string, start StartPosition) error {
	if partition == "" {
		return ErrInvalidPartition
	}
	mp := s.partition(partition, true)
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.groups[group]; exists {
		return nil
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	if start == StartNew {
		g.lastDelivered = mp.last
	}
	mp.groups[group] = g
	return nil
}

// ReadBatch implements Store.
func (s *MemoryStore) ReadBatch(ctx context.Context, partition event.Partition, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	mp := s.partition(partition, false)
	if mp == nil {
		return nil, ErrGroupNotFound
	}
	if count <= 0 {
		count = 1
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		entries, wait, err := s.deliver(mp, partition, group, consumer, count)
		if err != nil || len(entries) > 0 || timeout == nil {
			return entries, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrStoreClosed
		case <-timeout:
			return []Entry{}, nil
		case <-wait:
		}
	}
}

func (s *MemoryStore) deliver(mp *memPartition, partition event.Partition, group, consumer string, count int) ([]Entry, <-chan struct{}, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	g, ok := mp.groups[group]
	if !ok {
		return nil, nil, ErrGroupNotFound
	}

	start, _ := slices.BinarySearchFunc(mp.entries, g.lastDelivered, func(e memEntry, id entryID) int {
		switch {
		case e.id.less(id):
			return -1
		case id.less(e.id):
			return 1
		}
		return 0
	})
	for start < len(mp.entries) && !g.lastDelivered.less(mp.entries[start].id) {
		start++
	}

	now := s.now()
	out := make([]Entry, 0, count)
	for i := start; i < len(mp.entries) && len(out) < count; i++ {
		e := mp.entries[i]
		g.pending[e.id.String()] = &memPending{entry: e, consumer: consumer, deliveries: 1, deliveredAt: now}
		g.lastDelivered = e.id
		out = append(out, toEntry(partition, e, 1))
	}

	return out, mp.notify, nil
}

func toEntry(partition event.Partition, e memEntry, deliveries int64) Entry {
	out := Entry{
		ID:            e.id.String(),
		Partition:     partition,
		Data:          slices.Clone(e.data),
		DeliveryCount: deliveries,
	}
	if e.fields != nil {
		out.Fields = maps.Clone(e.fields)
	}
	return out
}

// group returns with the partition lock held on success.
func (s *MemoryStore) group(partition event.Partition, group string) (*memPartition, *memGroup, error) {
	mp := s.partition(partition, false)
	if mp == nil {
		return nil, nil, ErrGroupNotFound
	}
	mp.mu.Lock()
	g, ok := mp.groups[group]
	if !ok {
		mp.mu.Unlock()
		return nil, nil, ErrGroupNotFound
	}
	return mp, g, nil
}

// ClaimStale implements Store.
func (s *MemoryStore) ClaimStale(_ context.Context, partition event.Partition, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	mp, g, err := s.group(partition, group)
	if err != nil {
		return nil, err
	}
	defer mp.mu.Unlock()

	now := s.now()
	stale := make([]*memPending, 0)
	for _, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			stale = append(stale, p)
		}
	}
	slices.SortFunc(stale, func(a, b *memPending) int {
		if a.entry.id.less(b.entry.id) {
			return -1
		}
		return 1
	})
	if count > 0 && len(stale) > count {
		stale = stale[:count]
	}

	out := make([]Entry, 0, len(stale))
	for _, p := range stale {
		p.consumer = consumer
		p.deliveries++
		p.deliveredAt = now
		out = append(out, toEntry(partition, p.entry, p.deliveries))
	}
	return out, nil
}

// Ack implements Store.
func (s *MemoryStore) Ack(_ context.Context, partition event.Partition, group string, ids ...string) error {
	mp, g, err := s.group(partition, group)
	if err != nil {
		return err
	}
	defer mp.mu.Unlock()

	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// PendingCount implements Store.
func (s *MemoryStore) PendingCount(_ context.Context, partition event.Partition, group, consumer string) (int64, error) {
	mp, g, err := s.group(partition, group)
	if err != nil {
		return 0, err
	}
	defer mp.mu.Unlock()

	if consumer == "" {
		return int64(len(g.pending)), nil
	}
	var n int64
	for _, p := range g.pending {
		if p.consumer == consumer {
			n++
		}
	}
	return n, nil
}

// DeliveryCount implements Store.
func (s *MemoryStore) DeliveryCount(_ context.Context, partition event.Partition, group, id string) (int64, error) {
	mp, g, err := s.group(partition, group)
	if err != nil {
		return 0, err
	}
	defer mp.mu.Unlock()

	if p, ok := g.pending[id]; ok {
		return p.deliveries, nil
	}
	return 0, nil
}

// DeadLetter implements Store.
func (s *MemoryStore) DeadLetter(_ context.Context, partition event.Partition, entry Entry, reason string) (string, error) {
	return s.append(event.PartitionDeadLetter, entry.Data, deadLetterFields(partition, entry, reason, s.now()))
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, partition event.Partition, count int64) ([]Entry, error) {
	mp := s.partition(partition, false)
	if mp == nil {
		return []Entry{}, nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	n := int64(len(mp.entries))
	if count > 0 && count < n {
		n = count
	}
	out := make([]Entry, 0, n)
	for _, e := range mp.entries[:n] {
		out = append(out, toEntry(partition, e, 0))
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, partition event.Partition, ids ...string) (int64, error) {
	mp := s.partition(partition, false)
	if mp == nil {
		return 0, nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	before := len(mp.entries)
	mp.entries = slices.DeleteFunc(mp.entries, func(e memEntry) bool {
		return slices.Contains(ids, e.id.String())
	})
	return int64(before - len(mp.entries)), nil
}

// Trim implements Store.
func (s *MemoryStore) Trim(_ context.Context, partition event.Partition, retention Retention) (int64, error) {
	mp := s.partition(partition, false)
	if mp == nil {
		return 0, nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	drop := 0
	if retention.MaxAge > 0 {
		cutoff := s.now().Add(-retention.MaxAge).UnixMilli()
		for drop < len(mp.entries) && mp.entries[drop].id.ms < cutoff {
			drop++
		}
	}
	if retention.MaxLen > 0 {
		if excess := len(mp.entries) - int(retention.MaxLen); excess > drop {
			drop = excess
		}
	}
	if drop == 0 {
		return 0, nil
	}
	mp.entries = slices.Delete(mp.entries, 0, drop)
	return int64(drop), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	select {
	case <-s.closed:
		return ErrStoreClosed
	default:
		return nil
	}
}

// Close wakes blocked readers and rejects further publishes.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
