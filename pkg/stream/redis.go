package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// RedisStore implements Store on Redis Streams. Each partition is one stream key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of stream keys ("<prefix>:stream:<partition>").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = strings.TrimSuffix(prefix, ":")
	}
}

// NewRedisStore creates a Redis Streams backed store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "bedwatch",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(p event.Partition) string {
	if s.prefix == "" {
		return "stream:" + string(p)
	}
	return s.prefix + ":stream:" + string(p)
}

func (s *RedisStore) add(ctx context.Context, p event.Partition, data []byte, fields map[string]string) (string, error) {
	if p == "" {
		return "", ErrInvalidPartition
	}
	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values[FieldData] = data

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(p),
		Values: values,
	}).Result()
	if err != nil {
		return "", errors.Join(ErrPublishFailed, err)
	}
	return id, nil
}

// Publish implements Store.
func (s *RedisStore) Publish(ctx context.Context, partition event.Partition, data []byte) (string, error) {
	return s.add(ctx, partition, data, nil)
}

// CreateGroup implements Store. BUSYGROUP replies are treated as success.
func (s *RedisStore) CreateGroup(ctx context.Context, partition event.Partition, group string, start StartPosition) error {
	if partition == "" {
		return ErrInvalidPartition
	}
	err := s.client.XGroupCreateMkStream(ctx, s.key(partition), group, string(start)).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("stream: create group %s on %s: %w", group, partition, err)
	}
	return nil
}

// ReadBatch implements Store.
func (s *RedisStore) ReadBatch(ctx context.Context, partition event.Partition, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		// go-redis omits BLOCK for negative values; BLOCK 0 would wait forever.
		block = -1
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.key(partition), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, s.mapError(err)
	}

	out := make([]Entry, 0, count)
	for _, st := range res {
		for _, msg := range st.Messages {
			out = append(out, fromMessage(partition, msg, 1))
		}
	}
	return out, nil
}

// ClaimStale implements Store with XAUTOCLAIM.
func (s *RedisStore) ClaimStale(ctx context.Context, partition event.Partition, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key(partition),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, s.mapError(err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Values == nil {
			continue
		}
		deliveries, err := s.DeliveryCount(ctx, partition, group, msg.ID)
		if err != nil {
			return out, err
		}
		out = append(out, fromMessage(partition, msg, deliveries))
	}
	return out, nil
}

// Ack implements Store.
func (s *RedisStore) Ack(ctx context.Context, partition event.Partition, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key(partition), group, ids...).Err(); err != nil {
		return s.mapError(err)
	}
	return nil
}

// PendingCount implements Store.
func (s *RedisStore) PendingCount(ctx context.Context, partition event.Partition, group, consumer string) (int64, error) {
	res, err := s.client.XPending(ctx, s.key(partition), group).Result()
	if err != nil {
		return 0, s.mapError(err)
	}
	if consumer == "" {
		return res.Count, nil
	}
	return res.Consumers[consumer], nil
}

// DeliveryCount implements Store.
func (s *RedisStore) DeliveryCount(ctx context.Context, partition event.Partition, group, id string) (int64, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.key(partition),
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, s.mapError(err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0].RetryCount, nil
}

// DeadLetter implements Store.
func (s *RedisStore) DeadLetter(ctx context.Context, partition event.Partition, entry Entry, reason string) (string, error) {
	return s.add(ctx, event.PartitionDeadLetter, entry.Data, deadLetterFields(partition, entry, reason, s.now()))
}

// Range implements Store.
func (s *RedisStore) Range(ctx context.Context, partition event.Partition, count int64) ([]Entry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, s.key(partition), "-", "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.key(partition), "-", "+").Result()
	}
	if err != nil {
		return nil, s.mapError(err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, fromMessage(partition, msg, 0))
	}
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, partition event.Partition, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XDel(ctx, s.key(partition), ids...).Result()
	if err != nil {
		return 0, s.mapError(err)
	}
	return n, nil
}

// Trim implements Store with exact XTRIM MINID and MAXLEN.
func (s *RedisStore) Trim(ctx context.Context, partition event.Partition, retention Retention) (int64, error) {
	var removed int64
	key := s.key(partition)

	if retention.MaxAge > 0 {
		minID := strconv.FormatInt(s.now().Add(-retention.MaxAge).UnixMilli(), 10) + "-0"
		n, err := s.client.XTrimMinID(ctx, key, minID).Result()
		if err != nil {
			return removed, s.mapError(err)
		}
		removed += n
	}
	if retention.MaxLen > 0 {
		n, err := s.client.XTrimMaxLen(ctx, key, retention.MaxLen).Result()
		if err != nil {
			return removed, s.mapError(err)
		}
		removed += n
	}
	return removed, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	return nil
}

func (s *RedisStore) mapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return errors.Join(ErrGroupNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(ErrBackendUnavailable, err)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func fromMessage(partition event.Partition, msg redis.XMessage, deliveries int64) Entry {
	e := Entry{
		ID:            msg.ID,
		Partition:     partition,
		DeliveryCount: deliveries,
	}
	for k, v := range msg.Values {
		str := fmt.Sprint(v)
		if k == FieldData {
			e.Data = []byte(str)
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(msg.Values)-1)
		}
		e.Fields[k] = str
	}
	return e
}
