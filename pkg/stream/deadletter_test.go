package stream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

func deadLetter(t *testing.T, store stream.Store, data []byte, reason string) string {
	t.Helper()
	id, err := store.DeadLetter(context.Background(), event.PartitionFacility,
		stream.Entry{ID: "1-0", Partition: event.PartitionFacility, Data: data, DeliveryCount: 5}, reason)
	require.NoError(t, err)
	return id
}

func TestDeadLettersListAndFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := stream.NewMemoryStore()
	dl := stream.NewDeadLetters(store, stream.NewPublisher(store), nil)

	ev := event.New(event.AvailabilityChanged{FacilityID: "F1"})
	data, err := event.Marshal(ev)
	require.NoError(t, err)

	first := deadLetter(t, store, data, "max deliveries reached")
	second := deadLetter(t, store, []byte("garbage"), "decode: invalid")

	all, err := dl.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, event.PartitionFacility, all[0].OriginalPartition)
	assert.Equal(t, "1-0", all[0].OriginalID)
	assert.Equal(t, int64(5), all[0].DeliveryCount)
	assert.Equal(t, "max deliveries reached", all[0].Reason)
	assert.False(t, all[0].FailedAt.IsZero())

	limited, err := dl.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	found, err := dl.Find(ctx, second, "missing")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, second, found[0].ID)
}

func TestDeadLettersReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := stream.NewMemoryStore()
	dl := stream.NewDeadLetters(store, stream.NewPublisher(store), nil)

	ev := event.New(event.AvailabilityChanged{FacilityID: "F1"})
	ev.RetryCount = 3
	ev.MarkProcessed()
	data, err := event.Marshal(ev)
	require.NoError(t, err)

	deadLetter(t, store, data, "max deliveries reached")
	bad := deadLetter(t, store, []byte("garbage"), "decode: invalid")

	recs, err := dl.List(ctx, 0)
	require.NoError(t, err)

	replayed, err := dl.Replay(ctx, recs...)
	assert.Equal(t, 1, replayed)
	require.ErrorIs(t, err, stream.ErrNotReplayable)

	left, err := dl.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, bad, left[0].ID)

	entries, err := store.Range(ctx, event.PartitionFacility, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := event.Unmarshal(entries[0].Data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Zero(t, got.RetryCount)
	assert.False(t, got.Processed)
	assert.Nil(t, got.ProcessedAt)
}

func TestDeadLettersPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := stream.NewMemoryStore()
	dl := stream.NewDeadLetters(store, stream.NewPublisher(store), nil)

	a := deadLetter(t, store, []byte("a"), "x")
	deadLetter(t, store, []byte("b"), "x")
	deadLetter(t, store, []byte("c"), "x")

	n, err := dl.Purge(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = dl.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = dl.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
