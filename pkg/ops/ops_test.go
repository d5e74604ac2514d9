package ops_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/httpserver"
	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/ops"
	"github.com/dmitrymomot/bedwatch/pkg/poller"
	"github.com/dmitrymomot/bedwatch/pkg/processor"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

type stubProcessors []processor.Status

func (s stubProcessors) Status() []processor.Status { return s }

type stubPoller poller.Status

func (s stubPoller) Status() poller.Status { return poller.Status(s) }

type stubConnections registry.Stats

func (s stubConnections) Stats() registry.Stats { return registry.Stats(s) }

type env struct {
	handler http.Handler
	store   *stream.MemoryStore
	tokens  *jwt.Service
	metrics *metrics.Registry
}

func newEnv(t *testing.T, opts ...ops.Option) *env {
	t.Helper()
	tokens, err := jwt.NewFromString("ops-secret")
	require.NoError(t, err)

	store := stream.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	m := metrics.New()
	pub := stream.NewPublisher(store, stream.WithPublisherMetrics(m))

	base := []ops.Option{
		ops.WithMetrics(m),
		ops.WithAdmin(tokens, pub, stream.NewDeadLetters(store, pub, nil)),
	}
	h := ops.New(append(base, opts...)...)
	return &env{handler: h.Routes(), store: store, tokens: tokens, metrics: m}
}

func (e *env) token(t *testing.T, role string) string {
	t.Helper()
	claims := jwt.Claims{Role: role}
	claims.Subject = "op-1"
	token, err := e.tokens.Generate(claims)
	require.NoError(t, err)
	return token
}

func (e *env) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, ops.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp ops.Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	failing := httpserver.Check{Name: "redis", Fn: func(context.Context) error { return errors.New("down") }}
	e := newEnv(t, ops.WithChecks(failing))

	rec, _ := e.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = e.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"down"`)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(t,
		ops.WithProcessors(stubProcessors{{Partition: event.PartitionFacility, State: processor.StateReading, Processed: 3}}),
		ops.WithPoller(stubPoller{Seeded: true, Cycles: 7}),
		ops.WithConnections(stubConnections{Connections: 4, Authenticated: 2}),
	)

	rec, resp := e.do(t, http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "status", resp.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var report ops.StatusReport
	require.NoError(t, json.Unmarshal(data, &report))

	require.Len(t, report.Processors, 1)
	assert.Equal(t, int64(3), report.Processors[0].Processed)
	require.NotNil(t, report.Poller)
	assert.Equal(t, int64(7), report.Poller.Cycles)
	require.NotNil(t, report.Connections)
	assert.Equal(t, 4, report.Connections.Connections)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	e := newEnv(t, ops.WithConnections(stubConnections{Connections: 2, Rooms: 5}))
	e.metrics.Add(metrics.EventsProcessed, 9)

	rec, resp := e.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, int64(9), snap.Counters[metrics.EventsProcessed])
	assert.Equal(t, int64(2), snap.Gauges["connections"])
	assert.Equal(t, int64(5), snap.Gauges["rooms"])
}

func TestAdminRequiresAdminToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "garbage", http.StatusUnauthorized},
		{"not admin", e.token(t, "viewer"), http.StatusForbidden},
		{"admin", e.token(t, registry.RoleAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, _ := e.do(t, http.MethodGet, "/admin/dead-letters", "", tt.token)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestAdminPublishEvent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	admin := e.token(t, registry.RoleAdmin)

	body := `{"type":"system.announcement","priority":"high","payload":{"title":"Heads up","message":"Planned update"}}`
	rec, resp := e.do(t, http.MethodPost, "/admin/events", body, admin)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", resp.Code)

	entries, err := e.store.Range(context.Background(), event.PartitionSystem, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev, err := event.Unmarshal(entries[0].Data)
	require.NoError(t, err)
	assert.Equal(t, event.TypeAnnouncement, ev.Type)
	assert.Equal(t, event.PriorityHigh, ev.Priority)
	assert.Equal(t, "admin:op-1", ev.Source)
	assert.Equal(t, int64(1), e.metrics.Counter(metrics.EventsPublished).Load())
}

func TestAdminPublishEventRejects(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	admin := e.token(t, registry.RoleAdmin)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"unknown field", `{"type":"system.alert","bogus":1}`, http.StatusBadRequest},
		{"poller type", `{"type":"facility.availability_changed","payload":{"facilityId":"F1"}}`, http.StatusUnprocessableEntity},
		{"unknown type", `{"type":"system.reboot","payload":{}}`, http.StatusUnprocessableEntity},
		{"missing message", `{"type":"system.alert","payload":{"severity":"high"}}`, http.StatusUnprocessableEntity},
		{"oversized", `{"type":"system.alert","payload":{"message":"` + strings.Repeat("x", 70<<10) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, resp := e.do(t, http.MethodPost, "/admin/events", tt.body, admin)
			assert.Equal(t, tt.code, rec.Code)
			require.NotNil(t, resp.Error)
		})
	}
}

func TestAdminDeadLetters(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	admin := e.token(t, registry.RoleAdmin)
	ctx := context.Background()

	ev := event.New(event.SystemAlert{Severity: "high", Message: "disk"})
	data, err := event.Marshal(ev)
	require.NoError(t, err)
	good, err := e.store.DeadLetter(ctx, event.PartitionSystem, stream.Entry{ID: "1-0", Data: data, DeliveryCount: 5}, "max deliveries reached")
	require.NoError(t, err)
	_, err = e.store.DeadLetter(ctx, event.PartitionSystem, stream.Entry{ID: "2-0", Data: []byte("%%%")}, "decode: invalid")
	require.NoError(t, err)

	rec, resp := e.do(t, http.MethodGet, "/admin/dead-letters?limit=10", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, resp.Meta["count"])

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var views []ops.DeadLetterView
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 2)
	assert.Equal(t, good, views[0].ID)
	assert.NotEmpty(t, views[0].Event)
	assert.Equal(t, "%%%", views[1].Raw)

	rec, _ = e.do(t, http.MethodGet, "/admin/dead-letters?limit=-1", "", admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = e.do(t, http.MethodPost, "/admin/dead-letters/replay", `{"ids":["`+good+`"]}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, err = json.Marshal(resp.Data)
	require.NoError(t, err)
	var res ops.ReplayResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 1, res.Replayed)
	assert.Empty(t, res.Errors)

	system, err := e.store.Range(ctx, event.PartitionSystem, 0)
	require.NoError(t, err)
	assert.Len(t, system, 1)

	rec, _ = e.do(t, http.MethodPost, "/admin/dead-letters/replay", `{"ids":[]}`, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebSocketMount(t *testing.T) {
	t.Parallel()
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	e := newEnv(t, ops.WithWebSocket("/ws", ws))

	rec, _ := e.do(t, http.MethodGet, "/ws", "", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec, resp := e.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Code)
}
