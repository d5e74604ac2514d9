package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/ratelimit"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

type fakeSender struct {
	mu     sync.Mutex
	msgs   [][]byte
	closes atomic.Int32
	reason string
	refuse bool
}

func (s *fakeSender) Send(msg []byte) bool {
	if s.refuse {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSender) Close(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.closes.Add(1)
}

func (s *fakeSender) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = string(m)
	}
	return out
}

func newRegistry(t *testing.T, mutate ...func(*registry.Config)) *registry.Registry {
	t.Helper()
	cfg := registry.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	reg, err := registry.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func identity(id, role string) func(context.Context) (registry.Identity, error) {
	return func(context.Context) (registry.Identity, error) {
		return registry.Identity{ID: id, Role: role, Verified: true}, nil
	}
}

func failing(context.Context) (registry.Identity, error) {
	return registry.Identity{}, errors.New("bad token")
}

func TestRegisterAndLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)
	sender := &fakeSender{}

	conn, err := reg.Register(ctx, sender, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateConnected, conn.State())
	assert.Empty(t, conn.Rooms())

	got, ok := reg.Get(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, err = reg.Authenticate(ctx, conn.ID(), identity("u1", ""))
	require.NoError(t, err)
	assert.Equal(t, registry.StateAuthenticated, conn.State())
	assert.ElementsMatch(t, []string{registry.RoomAuthenticated, registry.UserRoom("u1")}, conn.Rooms())

	assert.True(t, reg.Deregister(ctx, conn.ID(), "bye"))
	assert.Equal(t, registry.StateDisconnected, conn.State())
	assert.Empty(t, conn.Rooms())
	assert.Equal(t, registry.Stats{}, reg.Stats())
	assert.Equal(t, "bye", sender.reason)

	assert.False(t, reg.Deregister(ctx, conn.ID(), "again"))
	assert.Equal(t, int32(1), sender.closes.Load())

	_, err = reg.Register(ctx, nil, "")
	require.ErrorIs(t, err, registry.ErrNilSender)
}

func TestAuthenticateFailureKeepsConnection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)
	conn, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	_, err = reg.Authenticate(ctx, conn.ID(), failing)
	require.ErrorIs(t, err, registry.ErrAuthFailed)
	assert.Equal(t, registry.StateConnected, conn.State())

	_, err = reg.Subscribe(ctx, conn.ID(), registry.FacilitySubscription("F1"))
	require.NoError(t, err, "unauthenticated connections may use public rooms")

	_, err = reg.Authenticate(ctx, "missing", identity("u1", ""))
	require.ErrorIs(t, err, registry.ErrConnectionNotFound)
}

func TestAuthenticateRateLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)
	conn, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	for range 5 {
		_, err = reg.Authenticate(ctx, conn.ID(), failing)
		require.ErrorIs(t, err, registry.ErrAuthFailed)
	}

	verified := false
	_, err = reg.Authenticate(ctx, conn.ID(), func(context.Context) (registry.Identity, error) {
		verified = true
		return registry.Identity{ID: "u1"}, nil
	})
	require.ErrorIs(t, err, registry.ErrRateLimited)
	assert.False(t, verified, "credentials are not checked once limited")

	var rle *registry.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, registry.OpAuthenticate, rle.Op)
	assert.Positive(t, rle.RetryAfter)
}

func TestReauthenticateAsAnotherUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)
	conn, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	_, err = reg.Authenticate(ctx, conn.ID(), identity("u1", registry.RoleAdmin))
	require.NoError(t, err)
	assert.Contains(t, conn.Rooms(), registry.RoomAdmins)

	_, err = reg.Authenticate(ctx, conn.ID(), identity("u2", ""))
	require.NoError(t, err)

	rooms := conn.Rooms()
	assert.NotContains(t, rooms, registry.UserRoom("u1"))
	assert.NotContains(t, rooms, registry.RoomAdmins)
	assert.Contains(t, rooms, registry.UserRoom("u2"))
	assert.Empty(t, reg.UserConnections("u1"))
	assert.Equal(t, 1, reg.Stats().Authenticated)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)

	a, b := &fakeSender{}, &fakeSender{}
	ca, err := reg.Register(ctx, a, "")
	require.NoError(t, err)
	_, err = reg.Register(ctx, b, "")
	require.NoError(t, err)

	room, err := reg.Subscribe(ctx, ca.ID(), registry.FacilitySubscription("F1"))
	require.NoError(t, err)
	assert.Equal(t, "facility:F1", room)
	assert.Equal(t, []string{"F1"}, ca.Facilities())

	assert.Equal(t, 1, reg.Broadcast(room, []byte("beds")))
	assert.Equal(t, []string{"beds"}, a.received())
	assert.Empty(t, b.received())

	assert.Zero(t, reg.Broadcast(registry.RoomAll, []byte("hello")), "the global room is opt-in")
	require.NoError(t, reg.JoinRoom(ctx, ca.ID(), registry.RoomAll))
	assert.Equal(t, 1, reg.Broadcast(registry.RoomAll, []byte("hello")))

	_, err = reg.Unsubscribe(ctx, ca.ID(), registry.FacilitySubscription("F1"))
	require.NoError(t, err)
	assert.Zero(t, reg.Broadcast(room, []byte("beds")))

	_, err = reg.Unsubscribe(ctx, ca.ID(), registry.FacilitySubscription("F1"))
	require.ErrorIs(t, err, registry.ErrNotMember)

	_, err = reg.Subscribe(ctx, ca.ID(), registry.FacilitySubscription("bad id!"))
	require.ErrorIs(t, err, registry.ErrInvalidSubscription)
	_, err = reg.Subscribe(ctx, ca.ID(), registry.SearchSubscription("  ", nil))
	require.ErrorIs(t, err, registry.ErrInvalidSubscription)
}

func TestSubscribeRateLimitsPerKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t, func(c *registry.Config) { c.MaxRooms = 100 })
	conn, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	for i := range 20 {
		_, err := reg.Subscribe(ctx, conn.ID(), registry.FacilitySubscription(fmt.Sprintf("F%d", i)))
		require.NoError(t, err)
	}
	_, err = reg.Subscribe(ctx, conn.ID(), registry.FacilitySubscription("F99"))
	require.ErrorIs(t, err, registry.ErrRateLimited)

	for i := range 10 {
		_, err := reg.Subscribe(ctx, conn.ID(), registry.SearchSubscription(fmt.Sprintf("query %d", i), nil))
		require.NoError(t, err, "search limit is independent")
	}
	_, err = reg.Subscribe(ctx, conn.ID(), registry.SearchSubscription("one more", nil))
	require.ErrorIs(t, err, registry.ErrRateLimited)
}

func TestJoinRoomRules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t, func(c *registry.Config) { c.MaxRooms = 3 })
	conn, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	require.ErrorIs(t, reg.JoinRoom(ctx, conn.ID(), "lobby"), registry.ErrInvalidRoom)
	require.ErrorIs(t, reg.JoinRoom(ctx, conn.ID(), registry.RoomAdmins), registry.ErrRoomForbidden)
	require.ErrorIs(t, reg.JoinRoom(ctx, conn.ID(), registry.UserRoom("u2")), registry.ErrRoomForbidden)

	require.NoError(t, reg.JoinRoom(ctx, conn.ID(), registry.RoomAll))
	require.NoError(t, reg.JoinRoom(ctx, conn.ID(), "facility:F1"))
	require.NoError(t, reg.JoinRoom(ctx, conn.ID(), registry.SearchRoom("icu", nil)))
	require.ErrorIs(t, reg.JoinRoom(ctx, conn.ID(), "facility:F2"), registry.ErrTooManyRooms)

	require.NoError(t, reg.LeaveRoom(ctx, conn.ID(), "facility:F1"))
	require.ErrorIs(t, reg.LeaveRoom(ctx, conn.ID(), "facility:F1"), registry.ErrNotMember)
	require.ErrorIs(t, reg.JoinRoom(ctx, "missing", "facility:F1"), registry.ErrConnectionNotFound)
}

func TestJoinRoomRateLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)
	conn, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	for i := range 10 {
		require.NoError(t, reg.JoinRoom(ctx, conn.ID(), fmt.Sprintf("facility:F%d", i)))
	}
	require.ErrorIs(t, reg.JoinRoom(ctx, conn.ID(), "facility:F10"), registry.ErrRateLimited)
}

func TestBroadcastToUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)

	phone, laptop, other := &fakeSender{}, &fakeSender{}, &fakeSender{}
	for _, s := range []struct {
		sender *fakeSender
		user   string
	}{{phone, "u1"}, {laptop, "u1"}, {other, "u2"}} {
		conn, err := reg.Register(ctx, s.sender, "")
		require.NoError(t, err)
		_, err = reg.Authenticate(ctx, conn.ID(), identity(s.user, ""))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, reg.BroadcastToUser("u1", []byte("note")))
	assert.Equal(t, []string{"note"}, phone.received())
	assert.Equal(t, []string{"note"}, laptop.received())
	assert.Empty(t, other.received())
	assert.Zero(t, reg.BroadcastToUser("", []byte("x")))
	assert.Len(t, reg.UserConnections("u1"), 2)
	assert.Equal(t, 2, reg.Stats().Users)
}

func TestSweepIdle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	reg, err := registry.New(registry.DefaultConfig(), registry.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	stale := &fakeSender{}
	staleConn, err := reg.Register(ctx, stale, "")
	require.NoError(t, err)
	active, err := reg.Register(ctx, &fakeSender{}, "")
	require.NoError(t, err)

	now.Add(int64(4 * time.Minute))
	reg.Touch(active.ID())
	now.Add(int64(2 * time.Minute))

	assert.Equal(t, 1, reg.SweepIdle(ctx))
	_, ok := reg.Get(staleConn.ID())
	assert.False(t, ok)
	assert.Equal(t, "idle timeout", stale.reason)
	_, ok = reg.Get(active.ID())
	assert.True(t, ok)
}

func TestConcurrentDeregisterAndBroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ratelimit.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	reg, err := registry.New(registry.DefaultConfig(), registry.WithLimiterStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	senders := make([]*fakeSender, 50)
	conns := make([]*registry.Connection, 50)
	for i := range senders {
		senders[i] = &fakeSender{}
		c, err := reg.Register(ctx, senders[i], "")
		require.NoError(t, err)
		_, err = reg.Subscribe(ctx, c.ID(), registry.FacilitySubscription("F1"))
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = reg.Authenticate(ctx, c.ID(), identity(fmt.Sprintf("u%d", i%5), ""))
			require.NoError(t, err)
		}
		conns[i] = c
	}
	require.Equal(t, 25, reg.Stats().Authenticated)

	var wg sync.WaitGroup
	var teardowns atomic.Int32
	for _, c := range conns {
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if reg.Deregister(ctx, c.ID(), "closed") {
					teardowns.Add(1)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Broadcast("facility:F1", []byte("x"))
			reg.BroadcastToUser("u0", []byte("y"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), teardowns.Load())
	assert.Equal(t, registry.Stats{}, reg.Stats(), "authenticated count is decremented once per connection")
	for i, s := range senders {
		assert.Equal(t, int32(1), s.closes.Load())

		count, _, err := store.Get(ctx, ratelimit.Key(string(registry.OpAuthenticate), conns[i].ID()))
		require.NoError(t, err)
		assert.Zero(t, count, "authentication limit is reset on teardown")
	}
	for i := range 5 {
		assert.Empty(t, reg.UserConnections(fmt.Sprintf("u%d", i)))
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := registry.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxRooms = 0
	cfg.AuthWindow = 0
	require.Error(t, cfg.Validate())

	_, err := registry.New(cfg)
	require.Error(t, err)
}
