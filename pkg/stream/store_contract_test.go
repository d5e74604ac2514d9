package stream_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

type storeFactory func(t *testing.T) stream.Store

// runStoreContract checks the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("delivers in publish order", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionFacility
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartBeginning))

		for i := range 10 {
			_, err := s.Publish(ctx, p, fmt.Appendf(nil, "m%d", i))
			require.NoError(t, err)
		}

		var got []string
		for len(got) < 10 {
			entries, err := s.ReadBatch(ctx, p, "g", "c1", 3, 500*time.Millisecond)
			require.NoError(t, err)
			require.NotEmpty(t, entries)
			for _, e := range entries {
				got = append(got, string(e.Data))
				assert.Equal(t, p, e.Partition)
				assert.Equal(t, int64(1), e.DeliveryCount)
			}
		}
		for i, v := range got {
			assert.Equal(t, fmt.Sprintf("m%d", i), v)
		}
	})

	t.Run("create group is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateGroup(ctx, event.PartitionSystem, "g", stream.StartNew))
		require.NoError(t, s.CreateGroup(ctx, event.PartitionSystem, "g", stream.StartNew))
		require.NoError(t, s.CreateGroup(ctx, event.PartitionSystem, "g", stream.StartBeginning))
	})

	t.Run("start new skips existing entries", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionSearch
		_, err := s.Publish(ctx, p, []byte("old"))
		require.NoError(t, err)
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartNew))
		_, err = s.Publish(ctx, p, []byte("new"))
		require.NoError(t, err)

		entries, err := s.ReadBatch(ctx, p, "g", "c1", 10, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "new", string(entries[0].Data))
	})

	t.Run("groups keep independent cursors", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionUser
		require.NoError(t, s.CreateGroup(ctx, p, "a", stream.StartBeginning))
		require.NoError(t, s.CreateGroup(ctx, p, "b", stream.StartBeginning))
		_, err := s.Publish(ctx, p, []byte("x"))
		require.NoError(t, err)

		ea, err := s.ReadBatch(ctx, p, "a", "c", 10, 500*time.Millisecond)
		require.NoError(t, err)
		eb, err := s.ReadBatch(ctx, p, "b", "c", 10, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, ea, 1)
		require.Len(t, eb, 1)
		assert.Equal(t, ea[0].ID, eb[0].ID)
	})

	t.Run("read times out empty", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateGroup(ctx, event.PartitionFacility, "g", stream.StartNew))

		start := time.Now()
		entries, err := s.ReadBatch(ctx, event.PartitionFacility, "g", "c", 10, 150*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("blocked read wakes on publish", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionFacility
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartNew))

		var wg sync.WaitGroup
		wg.Add(1)
		var got []stream.Entry
		go func() {
			defer wg.Done()
			got, _ = s.ReadBatch(ctx, p, "g", "c", 10, 3*time.Second)
		}()

		time.Sleep(100 * time.Millisecond)
		_, err := s.Publish(ctx, p, []byte("wake"))
		require.NoError(t, err)
		wg.Wait()

		require.Len(t, got, 1)
		assert.Equal(t, "wake", string(got[0].Data))
	})

	t.Run("ack clears pending", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionFacility
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartBeginning))
		_, err := s.Publish(ctx, p, []byte("a"))
		require.NoError(t, err)
		_, err = s.Publish(ctx, p, []byte("b"))
		require.NoError(t, err)

		entries, err := s.ReadBatch(ctx, p, "g", "c1", 10, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		n, err := s.PendingCount(ctx, p, "g", "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		require.NoError(t, s.Ack(ctx, p, "g", entries[0].ID))
		require.NoError(t, s.Ack(ctx, p, "g", entries[0].ID))

		n, err = s.PendingCount(ctx, p, "g", "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, s.Ack(ctx, p, "g", entries[1].ID))
		n, err = s.PendingCount(ctx, p, "g", "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("dead letter keeps origin metadata", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionFacility
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartBeginning))
		_, err := s.Publish(ctx, p, []byte("poison"))
		require.NoError(t, err)

		entries, err := s.ReadBatch(ctx, p, "g", "c", 1, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		entries[0].DeliveryCount = 5

		_, err = s.DeadLetter(ctx, p, entries[0], "handler failed")
		require.NoError(t, err)
		require.NoError(t, s.Ack(ctx, p, "g", entries[0].ID))

		dl, err := s.Range(ctx, event.PartitionDeadLetter, 10)
		require.NoError(t, err)
		require.Len(t, dl, 1)

		rec := stream.ParseDeadLetter(dl[0])
		assert.Equal(t, p, rec.OriginalPartition)
		assert.Equal(t, entries[0].ID, rec.OriginalID)
		assert.Equal(t, "handler failed", rec.Reason)
		assert.Equal(t, int64(5), rec.DeliveryCount)
		assert.Equal(t, "poison", string(rec.Data))
		assert.False(t, rec.FailedAt.IsZero())

		n, err := s.Delete(ctx, event.PartitionDeadLetter, dl[0].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		dl, err = s.Range(ctx, event.PartitionDeadLetter, 10)
		require.NoError(t, err)
		assert.Empty(t, dl)
	})

	t.Run("trim by length keeps newest", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionSystem
		for i := range 10 {
			_, err := s.Publish(ctx, p, fmt.Appendf(nil, "%d", i))
			require.NoError(t, err)
		}

		removed, err := s.Trim(ctx, p, stream.Retention{MaxLen: 4})
		require.NoError(t, err)
		assert.Equal(t, int64(6), removed)

		left, err := s.Range(ctx, p, 0)
		require.NoError(t, err)
		require.Len(t, left, 4)
		assert.Equal(t, "6", string(left[0].Data))
	})

	t.Run("range of unknown partition is empty", func(t *testing.T) {
		s := newStore(t)
		entries, err := s.Range(context.Background(), event.PartitionDeadLetter, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(context.Background()))
	})
}

// runClaimContract checks pending redelivery for backends that claim explicitly.
func runClaimContract(t *testing.T, newStore storeFactory) {
	t.Run("claim stale redelivers with increasing count", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionFacility
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartBeginning))
		_, err := s.Publish(ctx, p, []byte("retry-me"))
		require.NoError(t, err)

		entries, err := s.ReadBatch(ctx, p, "g", "dead-consumer", 1, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		claimed, err := s.ClaimStale(ctx, p, "g", "live-consumer", 0, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, entries[0].ID, claimed[0].ID)
		assert.Equal(t, int64(2), claimed[0].DeliveryCount)

		dc, err := s.DeliveryCount(ctx, p, "g", entries[0].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), dc)

		n, err := s.PendingCount(ctx, p, "g", "live-consumer")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.PendingCount(ctx, p, "g", "dead-consumer")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("claim respects min idle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := event.PartitionFacility
		require.NoError(t, s.CreateGroup(ctx, p, "g", stream.StartBeginning))
		_, err := s.Publish(ctx, p, []byte("fresh"))
		require.NoError(t, err)
		_, err = s.ReadBatch(ctx, p, "g", "c", 1, 500*time.Millisecond)
		require.NoError(t, err)

		claimed, err := s.ClaimStale(ctx, p, "g", "other", time.Hour, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("unknown group", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Publish(ctx, event.PartitionUser, []byte("x"))
		require.NoError(t, err)
		_, err = s.ReadBatch(ctx, event.PartitionUser, "missing", "c", 1, 10*time.Millisecond)
		require.ErrorIs(t, err, stream.ErrGroupNotFound)
	})
}
