package processor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/processor"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

const group = "test-group"

func testConfig() processor.Config {
	cfg := processor.DefaultConfig()
	cfg.Group = group
	cfg.Consumer = "worker-1"
	cfg.Block = 20 * time.Millisecond
	cfg.ClaimMinIdle = time.Nanosecond
	cfg.ClaimInterval = time.Hour
	cfg.Backoff = backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func newStore(t *testing.T) *stream.MemoryStore {
	t.Helper()
	s := stream.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateGroup(context.Background(), event.PartitionSystem, group, stream.StartBeginning))
	return s
}

func publish(t *testing.T, s stream.Store, ev *event.Event) string {
	t.Helper()
	data, err := event.Marshal(ev)
	require.NoError(t, err)
	id, err := s.Publish(context.Background(), ev.Partition(), data)
	require.NoError(t, err)
	return id
}

func readAndProcess(t *testing.T, s stream.Store, p *processor.Processor) int {
	t.Helper()
	entries, err := s.ReadBatch(context.Background(), event.PartitionSystem, group, "worker-1", 10, 0)
	require.NoError(t, err)
	p.ProcessBatch(context.Background(), entries)
	return len(entries)
}

func announcement(msg string) *event.Event {
	return event.New(event.Announcement{Title: "Notice", Message: msg})
}

func deadLetters(t *testing.T, s stream.Store) []stream.DeadLetterRecord {
	t.Helper()
	entries, err := s.Range(context.Background(), event.PartitionDeadLetter, 100)
	require.NoError(t, err)
	out := make([]stream.DeadLetterRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, stream.ParseDeadLetter(e))
	}
	return out
}

func pending(t *testing.T, s stream.Store) int64 {
	t.Helper()
	n, err := s.PendingCount(context.Background(), event.PartitionSystem, group, "")
	require.NoError(t, err)
	return n
}

func TestProcessorAcksHandledEvents(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	m := metrics.New()
	var got []string
	p := processor.New(s, event.PartitionSystem, testConfig(),
		processor.WithMetrics(m),
		processor.WithHandlers(processor.NewHandler(func(_ context.Context, ev *event.Event, a event.Announcement) error {
			got = append(got, a.Message)
			return nil
		})),
	)

	publish(t, s, announcement("first"))
	publish(t, s, announcement("second"))

	assert.Equal(t, 2, readAndProcess(t, s, p))
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Zero(t, pending(t, s))

	st := p.Status()
	assert.Equal(t, int64(2), st.Processed)
	assert.Equal(t, processor.StateIdle, st.State)
	assert.Equal(t, int64(2), m.Counter(metrics.EventsProcessed).Load())
}

func TestProcessorDeadLettersAfterMaxDeliveries(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	var calls atomic.Int32
	p := processor.New(s, event.PartitionSystem, testConfig(),
		processor.WithHandlers(processor.NewHandler(func(context.Context, *event.Event, event.Announcement) error {
			calls.Add(1)
			return errors.New("downstream unavailable")
		})),
	)

	id := publish(t, s, announcement("flaky"))
	readAndProcess(t, s, p)
	assert.Equal(t, int64(1), pending(t, s), "failed entry stays pending")
	assert.Empty(t, deadLetters(t, s))

	for i := 2; i <= stream.MaxDeliveryCount; i++ {
		time.Sleep(time.Millisecond)
		require.Equal(t, 1, p.ReclaimStale(context.Background()), "delivery %d", i)
		if i < stream.MaxDeliveryCount {
			assert.Empty(t, deadLetters(t, s))
		}
	}

	assert.Equal(t, int32(stream.MaxDeliveryCount), calls.Load())
	assert.Zero(t, pending(t, s))

	dl := deadLetters(t, s)
	require.Len(t, dl, 1)
	assert.Equal(t, id, dl[0].OriginalID)
	assert.Equal(t, event.PartitionSystem, dl[0].OriginalPartition)
	assert.Equal(t, int64(stream.MaxDeliveryCount), dl[0].DeliveryCount)
	assert.Contains(t, dl[0].Reason, "downstream unavailable")

	st := p.Status()
	assert.Equal(t, int64(stream.MaxDeliveryCount), st.Failed)
	assert.Equal(t, int64(1), st.DeadLettered)
	assert.Equal(t, "downstream unavailable", st.LastError)
}

func TestProcessorDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		publish func(t *testing.T, s stream.Store)
		handler processor.Handler
		reason  string
	}{
		{
			name: "undecodable entry",
			publish: func(t *testing.T, s stream.Store) {
				_, err := s.Publish(context.Background(), event.PartitionSystem, []byte("{not json"))
				require.NoError(t, err)
			},
			reason: "decode",
		},
		{
			name:    "no handler for type",
			publish: func(t *testing.T, s stream.Store) { publish(t, s, event.New(event.SystemAlert{Severity: "high", Message: "disk"})) },
			reason:  "no handler",
		},
		{
			name:    "permanent handler error",
			publish: func(t *testing.T, s stream.Store) { publish(t, s, announcement("bad")) },
			handler: processor.NewHandler(func(context.Context, *event.Event, event.Announcement) error {
				return backoff.Permanent(errors.New("rejected"))
			}),
			reason: "permanent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newStore(t)
			var opts []processor.Option
			if tt.handler != nil {
				opts = append(opts, processor.WithHandlers(tt.handler))
			}
			p := processor.New(s, event.PartitionSystem, testConfig(), opts...)

			tt.publish(t, s)
			readAndProcess(t, s, p)

			assert.Zero(t, pending(t, s))
			dl := deadLetters(t, s)
			require.Len(t, dl, 1)
			assert.True(t, strings.HasPrefix(dl[0].Reason, tt.reason), dl[0].Reason)
			assert.Equal(t, int64(1), p.Status().DeadLettered)
		})
	}
}

// flakyAckStore fails the first failures calls to Ack.
type flakyAckStore struct {
	stream.Store
	failures atomic.Int32
}

func (s *flakyAckStore) Ack(ctx context.Context, partition event.Partition, group string, ids ...string) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.Store.Ack(ctx, partition, group, ids...)
}

func TestProcessorDeadLettersOnceWhenAckIsLost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int32
		redeliver bool
	}{
		{name: "ack retried immediately", failures: 2},
		{name: "every ack lost", failures: 4, redeliver: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &flakyAckStore{Store: newStore(t)}
			s.failures.Store(tt.failures)
			p := processor.New(s, event.PartitionSystem, testConfig())

			id, err := s.Publish(context.Background(), event.PartitionSystem, []byte("{not json"))
			require.NoError(t, err)
			readAndProcess(t, s, p)

			if tt.redeliver {
				assert.Equal(t, int64(1), pending(t, s), "entry stays pending while acks fail")
				time.Sleep(time.Millisecond)
				require.Equal(t, 1, p.ReclaimStale(context.Background()))
			}

			assert.Zero(t, pending(t, s))
			dl := deadLetters(t, s)
			require.Len(t, dl, 1)
			assert.Equal(t, id, dl[0].OriginalID)
			assert.Equal(t, int64(1), p.Status().DeadLettered)
		})
	}
}

func TestProcessorSkipsDuplicateEvents(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	var calls atomic.Int32
	p := processor.New(s, event.PartitionSystem, testConfig(),
		processor.WithHandlers(processor.NewHandler(func(context.Context, *event.Event, event.Announcement) error {
			calls.Add(1)
			return nil
		})),
	)

	ev := announcement("once")
	publish(t, s, ev)
	publish(t, s, ev)

	readAndProcess(t, s, p)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, pending(t, s))
	assert.Equal(t, int64(1), p.Status().Duplicates)
}

func TestProcessorRegisterRejectsDuplicateType(t *testing.T) {
	t.Parallel()

	p := processor.New(stream.NewMemoryStore(), event.PartitionSystem, testConfig())
	h := processor.NewHandler(func(context.Context, *event.Event, event.Announcement) error { return nil })

	require.NoError(t, p.Register(h))
	assert.ErrorIs(t, p.Register(h), processor.ErrDuplicateHandler)
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := stream.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	var mu sync.Mutex
	var got []string
	p := processor.New(s, event.PartitionSystem, testConfig(),
		processor.WithHandlers(processor.NewHandler(func(_ context.Context, _ *event.Event, a event.Announcement) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, a.Message)
			return nil
		})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx)() }()

	require.Eventually(t, func() bool {
		_, err := s.PendingCount(context.Background(), event.PartitionSystem, group, "")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	publish(t, s, announcement("live"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
	assert.Equal(t, processor.StateStopped, p.Status().State)
}

func TestNewHandlerRejectsMismatchedPayload(t *testing.T) {
	t.Parallel()

	h := processor.NewHandler(func(context.Context, *event.Event, event.StatusUpdated) error { return nil })
	assert.Equal(t, event.TypeStatusUpdated, h.Type())

	err := h.Handle(context.Background(), announcement("wrong"))
	require.Error(t, err)
	assert.True(t, backoff.IsPermanent(err))
	assert.ErrorIs(t, err, event.ErrInvalidPayload)
}

type dispatcherFunc func(ctx context.Context, ev *event.Event) (int, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, ev *event.Event) (int, error) { return f(ctx, ev) }

func TestFanOutHandlers(t *testing.T) {
	t.Parallel()

	errEncode := errors.New("encode")
	errTransient := errors.New("transient")

	var next error
	d := dispatcherFunc(func(context.Context, *event.Event) (int, error) { return 1, next })
	handlers := processor.FanOutHandlers(d, errEncode)
	require.Len(t, handlers, 7)

	types := make(map[event.Type]processor.Handler, len(handlers))
	for _, h := range handlers {
		types[h.Type()] = h
	}
	h, ok := types[event.TypeAnnouncement]
	require.True(t, ok)

	next = nil
	assert.NoError(t, h.Handle(context.Background(), announcement("ok")))

	next = errTransient
	err := h.Handle(context.Background(), announcement("retry"))
	assert.ErrorIs(t, err, errTransient)
	assert.False(t, backoff.IsPermanent(err))

	next = errEncode
	err = h.Handle(context.Background(), announcement("drop"))
	assert.ErrorIs(t, err, errEncode)
	assert.True(t, backoff.IsPermanent(err))
}

func TestPoolSkipsDeadLetterPartition(t *testing.T) {
	t.Parallel()

	s := stream.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	partitions := append(event.Partitions(), event.PartitionDeadLetter)
	pool := processor.NewPool(s, partitions, testConfig())

	require.Len(t, pool.Processors(), len(event.Partitions()))
	for i, st := range pool.Status() {
		assert.Equal(t, event.Partitions()[i], st.Partition)
		assert.Equal(t, group, st.Group)
		assert.Equal(t, processor.StateIdle, st.State)
	}
}

func TestPoolDeliversEventsPublishedBeforeRun(t *testing.T) {
	t.Parallel()

	s := stream.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	var got atomic.Value
	pool := processor.NewPool(s, []event.Partition{event.PartitionSystem}, testConfig(),
		processor.WithHandlers(processor.NewHandler(func(_ context.Context, _ *event.Event, a event.Announcement) error {
			got.Store(a.Message)
			return nil
		})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.EnsureGroups(ctx))

	publish(t, s, announcement("early"))

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx)() }()

	require.Eventually(t, func() bool { return got.Load() == "early" }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
