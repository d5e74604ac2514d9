package ops

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/bedwatch/pkg/clientip"
	"github.com/dmitrymomot/bedwatch/pkg/httpserver"
	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/poller"
	"github.com/dmitrymomot/bedwatch/pkg/processor"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
	"github.com/dmitrymomot/bedwatch/pkg/requestid"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

// ProcessorStatus reports per-partition consumer state. processor.Pool implements it.
type ProcessorStatus interface {
	Status() []processor.Status
}

// PollerStatus reports the poll loop state. poller.Poller implements it.
type PollerStatus interface {
	Status() poller.Status
}

// ConnectionStats reports live connection totals. registry.Registry implements it.
type ConnectionStats interface {
	Stats() registry.Stats
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics sets the counters served on /metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithProcessors reports processor state on /status.
func WithProcessors(p ProcessorStatus) Option {
	return func(h *Handler) { h.processors = p }
}

// WithPoller reports poller state on /status.
func WithPoller(p PollerStatus) Option {
	return func(h *Handler) { h.poller = p }
}

// WithConnections reports connection totals on /status and /metrics.
func WithConnections(c ConnectionStats) Option {
	return func(h *Handler) { h.connections = c }
}

// WithChecks adds readiness checks.
func WithChecks(checks ...httpserver.Check) Option {
	return func(h *Handler) { h.checks = append(h.checks, checks...) }
}

// WithReadyTimeout bounds each readiness check. Defaults to 2s.
func WithReadyTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.readyTimeout = d
		}
	}
}

// WithAdmin enables the admin routes, guarded by tokens carrying the admin role.
func WithAdmin(tokens *jwt.Service, publisher EventPublisher, deadLetters *stream.DeadLetters) Option {
	return func(h *Handler) {
		h.tokens = tokens
		h.publisher = publisher
		h.deadLetters = deadLetters
	}
}

// WithWebSocket mounts the client gateway at path.
func WithWebSocket(path string, handler http.Handler) Option {
	return func(h *Handler) {
		h.wsPath = path
		h.ws = handler
	}
}

// Handler serves the operational routes.
type Handler struct {
	log          *slog.Logger
	metrics      *metrics.Registry
	processors   ProcessorStatus
	poller       PollerStatus
	connections  ConnectionStats
	checks       []httpserver.Check
	readyTimeout time.Duration

	tokens      *jwt.Service
	publisher   EventPublisher
	deadLetters *stream.DeadLetters

	wsPath string
	ws     http.Handler

	started time.Time
}

// New creates the handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		log:          slog.Default(),
		readyTimeout: 2 * time.Second,
		started:      time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logger.Component("ops"))
	return h
}

// Routes returns the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestid.Middleware)
	r.Use(clientip.Middleware)

	r.Get("/health", httpserver.LivenessHandler())
	r.Get("/ready", httpserver.ReadinessHandler(h.log, h.readyTimeout, h.checks...))
	r.Get("/status", h.status)
	r.Get("/metrics", h.metricsSnapshot)

	if h.tokens != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(jwt.Middleware(h.tokens))
			r.Use(jwt.RequireRole(registry.RoleAdmin))

			if h.publisher != nil {
				r.Post("/events", h.publishEvent)
			}
			if h.deadLetters != nil {
				r.Get("/dead-letters", h.listDeadLetters)
				r.Post("/dead-letters/replay", h.replayDeadLetters)
			}
		})
	}

	if h.ws != nil {
		r.Mount(h.wsPath, h.ws)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, ErrNotFound, "")
	})
	return r
}

// StatusReport is the body of /status.
type StatusReport struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Processors    []processor.Status `json:"processors,omitempty"`
	Poller        *poller.Status     `json:"poller,omitempty"`
	Connections   *registry.Stats    `json:"connections,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	report := StatusReport{UptimeSeconds: time.Since(h.started).Seconds()}
	if h.processors != nil {
		report.Processors = h.processors.Status()
	}
	if h.poller != nil {
		st := h.poller.Status()
		report.Poller = &st
	}
	if h.connections != nil {
		st := h.connections.Stats()
		report.Connections = &st
	}
	writeData(w, http.StatusOK, "status", report, nil)
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	if h.connections != nil {
		st := h.connections.Stats()
		snap.Gauges = map[string]int64{
			"connections":   int64(st.Connections),
			"authenticated": int64(st.Authenticated),
			"users":         int64(st.Users),
			"rooms":         int64(st.Rooms),
			"memberships":   int64(st.Memberships),
		}
	}
	writeData(w, http.StatusOK, "metrics", snap, nil)
}
