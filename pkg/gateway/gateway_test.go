package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dmitrymomot/bedwatch/pkg/gateway"
	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/poller"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

type fakeWatcher struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (w *fakeWatcher) Add(query string, filters map[string]string) string {
	sig := registry.SearchSignature(query, filters)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.added = append(w.added, sig)
	return sig
}

func (w *fakeWatcher) Remove(signature string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, signature)
	return true
}

func (w *fakeWatcher) snapshot() (added, removed []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.added...), append([]string(nil), w.removed...)
}

type harness struct {
	reg       *registry.Registry
	srv       *httptest.Server
	tokens    *jwt.Service
	watcher   *fakeWatcher
	snapshots *poller.MemoryStore
	metrics   *metrics.Registry
}

type harnessConfig struct {
	gateway  gateway.Config
	registry registry.Config
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *harness {
	t.Helper()

	hc := harnessConfig{gateway: gateway.DefaultConfig(), registry: registry.DefaultConfig()}
	hc.gateway.UpgradeLimit = 0
	for _, m := range mutate {
		m(&hc)
	}

	reg, err := registry.New(hc.registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	tokens, err := jwt.NewFromString("test-secret", jwt.WithTTL(time.Hour))
	require.NoError(t, err)

	h := &harness{
		reg:       reg,
		tokens:    tokens,
		watcher:   &fakeWatcher{},
		snapshots: poller.NewMemoryStore(),
		metrics:   metrics.New(),
	}

	gw, err := gateway.New(reg, hc.gateway,
		gateway.WithVerifier(gateway.JWTVerifier(tokens)),
		gateway.WithWatcher(h.watcher),
		gateway.WithSnapshots(h.snapshots),
		gateway.WithMetrics(h.metrics),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	h.srv = httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		reg.CloseAll(context.Background(), "test done")
		h.srv.Close()
	})
	return h
}

func (h *harness) url(query string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial connects and consumes the connection:established greeting.
func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.url(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	hello := expect(t, conn, gateway.ReplyConnected)
	assert.NotEmpty(t, hello.Get("data.connectionId").String())
	return conn
}

func (h *harness) token(t *testing.T, userID, role string) string {
	t.Helper()
	claims := jwt.Claims{Role: role, Tier: "pro", Verified: true}
	claims.Subject = userID
	token, err := h.tokens.Generate(claims)
	require.NoError(t, err)
	return token
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func read(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func expect(t *testing.T, conn *websocket.Conn, typ string) gjson.Result {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, typ, msg.Get("type").String(), msg.Raw)
	return msg
}

func TestPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t, "")

	send(t, conn, `{"type":"ping"}`)
	pong := expect(t, conn, gateway.ReplyPong)
	assert.NotEmpty(t, pong.Get("timestamp").String())
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		conn := h.dial(t, "")

		send(t, conn, `{"type":"authenticate","token":"`+h.token(t, "u-1", "admin")+`","userId":"u-1"}`)
		msg := expect(t, conn, gateway.ReplyAuthSuccess)
		assert.Equal(t, "u-1", msg.Get("data.userId").String())
		assert.Equal(t, "admin", msg.Get("data.role").String())
		assert.True(t, msg.Get("data.verified").Bool())

		assert.Equal(t, 1, h.reg.Stats().Authenticated)
		assert.Equal(t, 1, h.reg.RoomSize(registry.RoomAdmins))
		assert.Len(t, h.reg.UserConnections("u-1"), 1)
	})

	t.Run("nested data", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		conn := h.dial(t, "")

		send(t, conn, `{"type":"authenticate","data":{"token":"`+h.token(t, "u-2", "")+`"}}`)
		msg := expect(t, conn, gateway.ReplyAuthSuccess)
		assert.Equal(t, "u-2", msg.Get("data.userId").String())
	})

	tests := []struct {
		name string
		msg  func(t *testing.T, h *harness) string
		code string
	}{
		{
			name: "invalid token",
			msg:  func(*testing.T, *harness) string { return `{"type":"authenticate","token":"not-a-token"}` },
			code: gateway.CodeAuthFailed,
		},
		{
			name: "missing token",
			msg:  func(*testing.T, *harness) string { return `{"type":"authenticate"}` },
			code: gateway.CodeMissingField,
		},
		{
			name: "user id mismatch",
			msg: func(t *testing.T, h *harness) string {
				return `{"type":"authenticate","token":"` + h.token(t, "u-1", "") + `","userId":"u-9"}`
			},
			code: gateway.CodeAuthFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			conn := h.dial(t, "")

			send(t, conn, tt.msg(t, h))
			msg := expect(t, conn, gateway.ReplyAuthFailed)
			assert.Equal(t, tt.code, msg.Get("data.code").String())
			assert.Equal(t, 0, h.reg.Stats().Authenticated)

			send(t, conn, `{"type":"ping"}`)
			expect(t, conn, gateway.ReplyPong)
		})
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *harnessConfig) { c.registry.AuthLimit = 2 })
	conn := h.dial(t, "")

	for range 2 {
		send(t, conn, `{"type":"authenticate","token":"bad"}`)
		expect(t, conn, gateway.ReplyAuthFailed)
	}

	send(t, conn, `{"type":"authenticate","token":"`+h.token(t, "u-1", "")+`"}`)
	msg := expect(t, conn, gateway.ReplyAuthRateLimited)
	assert.Equal(t, string(registry.OpAuthenticate), msg.Get("data.operation").String())
	assert.Positive(t, msg.Get("data.retryAfter").Int())
	assert.Equal(t, int64(1), h.metrics.Counter(metrics.RateLimited).Load())
}

func TestHandshakeToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	conn := h.dial(t, "token="+h.token(t, "u-7", ""))
	msg := expect(t, conn, gateway.ReplyAuthSuccess)
	assert.Equal(t, "u-7", msg.Get("data.userId").String())
}

func TestSubscribeFacility(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.snapshots.Put(context.Background(), poller.Snapshot{
		FacilityID:    "F1",
		Name:          "North",
		AvailableBeds: 5,
		TotalBeds:     10,
		Status:        "open",
	}))

	conn := h.dial(t, "")
	other := h.dial(t, "")

	send(t, conn, `{"type":"subscribe_facility","facilityId":"F1"}`)
	msg := expect(t, conn, gateway.ReplySubscriptionSuccess)
	assert.Equal(t, "facility", msg.Get("data.kind").String())
	assert.Equal(t, "facility:F1", msg.Get("data.room").String())
	assert.Equal(t, int64(5), msg.Get("data.current.availableBeds").Int(), msg.Raw)

	delivered := h.reg.Broadcast(registry.FacilityRoom("F1"), []byte(`{"type":"facility:availability_changed"}`))
	assert.Equal(t, 1, delivered)
	expect(t, conn, "facility:availability_changed")

	send(t, conn, `{"type":"unsubscribe_facility","facilityId":"F1"}`)
	expect(t, conn, gateway.ReplyUnsubscriptionSuccess)
	assert.Equal(t, 0, h.reg.RoomSize(registry.FacilityRoom("F1")))

	send(t, other, `{"type":"ping"}`)
	expect(t, other, gateway.ReplyPong)
}

func TestSubscriptionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		msg   string
		reply string
		code  string
	}{
		{"missing facility id", `{"type":"subscribe_facility"}`, gateway.ReplySubscriptionError, gateway.CodeMissingField},
		{"invalid facility id", `{"type":"subscribe_facility","facilityId":"a b"}`, gateway.ReplySubscriptionError, gateway.CodeMissingField},
		{"empty search", `{"type":"subscribe_search","query":"  "}`, gateway.ReplySubscriptionError, gateway.CodeMissingField},
		{"unsubscribe without subscribe", `{"type":"unsubscribe_facility","facilityId":"F1"}`, gateway.ReplySubscriptionError, gateway.CodeNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			conn := h.dial(t, "")

			send(t, conn, tt.msg)
			msg := expect(t, conn, tt.reply)
			assert.Equal(t, tt.code, msg.Get("data.code").String())
		})
	}
}

func TestSubscribeFacilityRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *harnessConfig) { c.registry.FacilitySubscribeLimit = 1 })
	conn := h.dial(t, "")

	send(t, conn, `{"type":"subscribe_facility","facilityId":"F1"}`)
	expect(t, conn, gateway.ReplySubscriptionSuccess)

	send(t, conn, `{"type":"subscribe_facility","facilityId":"F2"}`)
	msg := expect(t, conn, gateway.ReplySubscriptionRateLimited)
	assert.Equal(t, string(registry.OpSubscribeFacility), msg.Get("data.operation").String())
}

func TestSubscribeSearchWatchesUntilDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t, "")

	search := `{"type":"subscribe_search","query":"North","filters":{"min_beds":2}}`
	send(t, conn, search)
	msg := expect(t, conn, gateway.ReplySubscriptionSuccess)
	room := registry.SearchRoom("north", map[string]string{"min_beds": "2"})
	assert.Equal(t, room, msg.Get("data.room").String())

	send(t, conn, search)
	expect(t, conn, gateway.ReplySubscriptionSuccess)

	sig := registry.SearchSignature("North", map[string]string{"min_beds": "2"})
	added, _ := h.watcher.snapshot()
	assert.Equal(t, []string{sig}, added)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return h.reg.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, removed := h.watcher.snapshot()
		return len(removed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, removed := h.watcher.snapshot()
	assert.Equal(t, []string{sig}, removed)
	assert.Equal(t, 0, h.reg.RoomSize(room))
}

func TestRooms(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t, "")

	send(t, conn, `{"type":"join_room","room":"facility:F1"}`)
	msg := expect(t, conn, gateway.ReplyRoomJoined)
	assert.Equal(t, "facility:F1", msg.Get("data.room").String())

	send(t, conn, `{"type":"leave_room","room":"facility:F1"}`)
	expect(t, conn, gateway.ReplyRoomLeft)

	tests := []struct {
		msg  string
		code string
	}{
		{`{"type":"leave_room","room":"facility:F1"}`, gateway.CodeNotMember},
		{`{"type":"join_room","room":"admins"}`, gateway.CodeForbidden},
		{`{"type":"join_room","room":"user:u-1"}`, gateway.CodeForbidden},
		{`{"type":"join_room","room":"no such room"}`, gateway.CodeInvalidRoom},
	}
	for _, tt := range tests {
		send(t, conn, tt.msg)
		msg := expect(t, conn, gateway.ReplyRoomError)
		assert.Equal(t, tt.code, msg.Get("data.code").String(), tt.msg)
	}
}

func TestProtocolErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		code string
	}{
		{"not json", `hello`, gateway.CodeInvalidMessage},
		{"array", `[1,2]`, gateway.CodeInvalidMessage},
		{"missing type", `{"facilityId":"F1"}`, gateway.CodeInvalidMessage},
		{"numeric type", `{"type":5}`, gateway.CodeInvalidMessage},
		{"unknown type", `{"type":"teleport"}`, gateway.CodeUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			conn := h.dial(t, "")

			send(t, conn, tt.msg)
			msg := expect(t, conn, gateway.ReplyError)
			assert.Equal(t, tt.code, msg.Get("data.code").String())
			assert.Equal(t, int64(1), h.metrics.Counter(metrics.ProtocolErrors).Load())

			send(t, conn, `{"type":"ping"}`)
			expect(t, conn, gateway.ReplyPong)
		})
	}
}

func TestDeregisterClosesSocket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t, "")

	send(t, conn, `{"type":"subscribe_facility","facilityId":"F1"}`)
	expect(t, conn, gateway.ReplySubscriptionSuccess)

	assert.Equal(t, 1, h.reg.CloseAll(context.Background(), "shutdown"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Equal(t, 0, h.reg.RoomSize(registry.FacilityRoom("F1")))
}

func TestUpgradeLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *harnessConfig) {
		c.gateway.UpgradeLimit = 1
		c.gateway.UpgradeWindow = time.Minute
	})
	h.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.url(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int64(1), h.metrics.Counter(metrics.RateLimited).Load())
}

func TestNewRequiresRegistry(t *testing.T) {
	t.Parallel()
	_, err := gateway.New(nil, gateway.DefaultConfig())
	assert.ErrorIs(t, err, gateway.ErrNilRegistry)
}
