package processor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/fanout"
	"github.com/dmitrymomot/bedwatch/pkg/processor"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) Send(msg []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, string(msg))
	return true
}

func (b *inbox) Close(string) {}

func (b *inbox) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func TestAvailabilityChangeReachesOnlySubscribers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := stream.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateGroup(ctx, event.PartitionFacility, group, stream.StartBeginning))

	reg, err := registry.New(registry.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	var subscribed, idle, global inbox
	sub, err := reg.Register(ctx, &subscribed, "")
	require.NoError(t, err)
	_, err = reg.Subscribe(ctx, sub.ID(), registry.FacilitySubscription("F1"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, &idle, "")
	require.NoError(t, err)
	watcher, err := reg.Register(ctx, &global, "")
	require.NoError(t, err)
	require.NoError(t, reg.JoinRoom(ctx, watcher.ID(), registry.RoomAll))

	p := processor.New(s, event.PartitionFacility, testConfig(),
		processor.WithHandlers(processor.FanOutHandlers(fanout.New(reg), fanout.ErrEncode)...),
	)

	zero, unavailable := 0, event.AvailabilityUnavailable
	publish(t, s, event.New(event.AvailabilityChanged{
		FacilityID:         "F1",
		AvailableBeds:      5,
		TotalBeds:          10,
		Status:             event.StatusActive,
		AvailabilityStatus: event.AvailabilityAvailable,
		OccupancyRate:      0.5,
		LastUpdated:        time.Now().UTC(),
		Changes: event.ChangeSet{
			AvailableBeds:      event.NewIntChange(&zero, 5),
			AvailabilityStatus: event.NewStringChange(&unavailable, event.AvailabilityAvailable),
		},
	}))

	entries, err := s.ReadBatch(ctx, event.PartitionFacility, group, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	p.ProcessBatch(ctx, entries)

	got := subscribed.received()
	require.Len(t, got, 1, "facility subscriber gets the full change once")
	assert.Equal(t, fanout.KindAvailabilityChanged, gjson.Get(got[0], "type").String())
	assert.Equal(t, int64(5), gjson.Get(got[0], "data.availableBeds").Int())

	assert.Empty(t, idle.received(), "a connection without subscriptions receives nothing")

	got = global.received()
	require.Len(t, got, 1, "the transition reaches the global room")
	assert.Equal(t, fanout.KindAvailabilityStatus, gjson.Get(got[0], "type").String())

	n, err := s.PendingCount(ctx, event.PartitionFacility, group, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}
