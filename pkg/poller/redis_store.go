package poller

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots in a Redis hash with two sorted-set indexes, so the view
// survives restarts and the poller can diff against it on startup.
type RedisStore struct {
	client    redis.UniversalClient
	hash      string
	available string
	occupancy string
}

// NewRedisStore creates a store under keys prefixed with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bedwatch"
	}
	base := prefix + ":snapshot"
	return &RedisStore{
		client:    client,
		hash:      base,
		available: base + ":idx:available",
		occupancy: base + ":idx:occupancy",
	}
}

// Get implements SnapshotStore.
func (r *RedisStore) Get(ctx context.Context, facilityID string) (Snapshot, bool, error) {
	raw, err := r.client.HGet(ctx, r.hash, facilityID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errors.Join(ErrStoreFailed, err)
	}
	s, err := decodeSnapshot(raw)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

// Put implements SnapshotStore.
func (r *RedisStore) Put(ctx context.Context, s Snapshot) error {
	s, err := s.Normalize()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Join(ErrStoreFailed, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hash, s.FacilityID, raw)
		pipe.ZAdd(ctx, r.available, redis.Z{Score: float64(s.AvailableBeds), Member: s.FacilityID})
		pipe.ZAdd(ctx, r.occupancy, redis.Z{Score: s.OccupancyRate, Member: s.FacilityID})
		return nil
	})
	if err != nil {
		return errors.Join(ErrStoreFailed, err)
	}
	return nil
}

// All implements SnapshotStore. Snapshots are ordered by facility ID.
func (r *RedisStore) All(ctx context.Context) ([]Snapshot, error) {
	values, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreFailed, err)
	}
	out := make([]Snapshot, 0, len(values))
	for _, raw := range values {
		s, err := decodeSnapshot([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.FacilityID, b.FacilityID) })
	return out, nil
}

// ByAvailableBeds implements SnapshotStore.
func (r *RedisStore) ByAvailableBeds(ctx context.Context, minBeds, limit int) ([]Snapshot, error) {
	ids, err := r.client.ZRevRangeByScore(ctx, r.available, &redis.ZRangeBy{
		Min:   strconv.Itoa(minBeds),
		Max:   "+inf",
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreFailed, err)
	}
	return r.load(ctx, ids)
}

// ByOccupancy implements SnapshotStore.
func (r *RedisStore) ByOccupancy(ctx context.Context, maxRate float64, limit int) ([]Snapshot, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.occupancy, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(maxRate, 'f', -1, 64),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreFailed, err)
	}
	return r.load(ctx, ids)
}

// Len implements SnapshotStore.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.hash).Result()
	if err != nil {
		return 0, errors.Join(ErrStoreFailed, err)
	}
	return int(n), nil
}

// load fetches snapshots for ids in order, skipping index entries without a hash value.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := r.client.HMGet(ctx, r.hash, ids...).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreFailed, err)
	}

	out := make([]Snapshot, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeSnapshot([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeSnapshot(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, errors.Join(ErrInvalidSnapshot, err)
	}
	return s, nil
}
