package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a fixed window Store shared across processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store. Keys are written as <prefix>:ratelimit:<key>.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, ErrStoreRequired
	}
	if prefix == "" {
		prefix = "bedwatch"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":ratelimit:" + k
}

// IncrementAndGet implements Store. The TTL is only set when the key is created,
// so the window does not slide with every increment.
func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, incr int, window time.Duration) (int64, time.Duration, error) {
	k := s.key(key)

	var (
		incrCmd *redis.IntCmd
		ttlCmd  *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incrCmd = pipe.IncrBy(ctx, k, int64(incr))
		pipe.ExpireNX(ctx, k, window)
		ttlCmd = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, 0, errors.Join(ErrStoreUnavailable, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = window
	}
	return incrCmd.Val(), ttl, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, time.Duration, error) {
	k := s.key(key)

	var (
		getCmd *redis.StringCmd
		ttlCmd *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, k)
		ttlCmd = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, errors.Join(ErrStoreUnavailable, err)
	}

	current, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Join(ErrStoreUnavailable, err)
	}
	return current, max(0, ttlCmd.Val()), nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
