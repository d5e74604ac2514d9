package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/bedwatch/pkg/clientip"
	"github.com/dmitrymomot/bedwatch/pkg/fanout"
	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/poller"
	"github.com/dmitrymomot/bedwatch/pkg/ratelimit"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

// Watcher tracks saved searches so their results are recomputed each poll cycle.
// poller.Watchlist implements it.
type Watcher interface {
	Add(query string, filters map[string]string) string
	Remove(signature string) bool
}

// SnapshotReader returns the last known availability of a facility.
// poller.SnapshotStore implements it.
type SnapshotReader interface {
	Get(ctx context.Context, facilityID string) (poller.Snapshot, bool, error)
}

// handshakeToken reads a token sent with the upgrade request.
var handshakeToken = jwt.ChainExtractors(
	jwt.BearerTokenExtractor,
	jwt.QueryTokenExtractor("token"),
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetrics sets the counter registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithVerifier enables authentication. Without it every authenticate message fails.
func WithVerifier(v Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithWatcher registers search subscriptions with w.
func WithWatcher(w Watcher) Option {
	return func(g *Gateway) {
		g.watcher = w
	}
}

// WithSnapshots attaches the current snapshot to facility subscription replies.
func WithSnapshots(r SnapshotReader) Option {
	return func(g *Gateway) {
		g.snapshots = r
	}
}

// WithUpgradeStore sets the store backing the per-IP upgrade limit.
func WithUpgradeStore(s ratelimit.SlidingWindowStore) Option {
	return func(g *Gateway) {
		g.upgradeStore = s
	}
}

// WithClock overrides the time source used for reply timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway accepts WebSocket connections and speaks the client protocol.
type Gateway struct {
	cfg       Config
	registry  *registry.Registry
	log       *slog.Logger
	metrics   *metrics.Registry
	verifier  Verifier
	watcher   Watcher
	snapshots SnapshotReader
	now       func() time.Time

	extractToken jwt.TokenExtractorFunc

	upgradeStore   ratelimit.SlidingWindowStore
	ownStore       *ratelimit.MemoryStore
	upgradeLimiter *ratelimit.SlidingWindow
}

// New creates a gateway over reg.
func New(reg *registry.Registry, cfg Config, opts ...Option) (*Gateway, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}

	g := &Gateway{
		cfg:          cfg.withDefaults(),
		registry:     reg,
		log:          slog.Default(),
		now:          time.Now,
		extractToken: handshakeToken,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(logger.Component("gateway"))

	if g.cfg.UpgradeLimit > 0 {
		if g.upgradeStore == nil {
			g.ownStore = ratelimit.NewMemoryStore(ratelimit.WithClock(g.now))
			g.upgradeStore = g.ownStore
		}
		limiter, err := ratelimit.NewSlidingWindow(g.upgradeStore, g.cfg.UpgradeLimit, g.cfg.UpgradeWindow,
			ratelimit.WithWindowClock(g.now),
		)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.upgradeLimiter = limiter
	}

	return g, nil
}

// Close releases the upgrade limiter store if the gateway created it.
// Live connections are closed through the registry.
func (g *Gateway) Close() error {
	if g.ownStore != nil {
		return g.ownStore.Close()
	}
	return nil
}

// Routes returns the WebSocket handler with per-IP upgrade limiting applied.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	if g.upgradeLimiter != nil {
		r.Use(ratelimit.Middleware(g.upgradeLimiter, ratelimit.ByClientIP("ws-upgrade"),
			ratelimit.WithLogger(g.log),
			ratelimit.WithOnLimited(func() { g.metrics.Inc(metrics.RateLimited) }),
		))
	}
	r.Get("/", g.ServeHTTP)
	return r
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.AllowedOrigins,
	})
	if err != nil {
		g.log.DebugContext(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	conn.SetReadLimit(g.cfg.ReadLimit)

	// Reads stay on the request context; ctx ends when the client is closed.
	readCtx := r.Context()
	ctx, cancel := context.WithCancel(readCtx)
	defer cancel()

	c := newClient(conn, g.cfg, g.log, cancel)
	sess, err := g.registry.Register(ctx, c, clientip.GetIP(r))
	if err != nil {
		g.log.ErrorContext(ctx, "failed to register connection", logger.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	connID := sess.ID()
	log := g.log.With(logger.ConnectionID(connID))
	c.log = log

	go c.writePump(ctx)

	g.sendTo(c, reply(ReplyConnected, g.now(), map[string]string{"connectionId": connID}))
	if token, err := g.extractToken(r); err == nil {
		g.authenticate(ctx, c, connID, inbound{Type: MsgAuthenticate, Token: token})
	}

	err = c.readPump(readCtx, func(data []byte) {
		g.registry.Touch(connID)
		g.handle(ctx, c, connID, data)
	})

	reason := "client disconnected"
	if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
		reason = "read failed"
		log.DebugContext(ctx, "read loop ended", logger.Error(err))
	}
	g.teardown(context.WithoutCancel(ctx), c, connID, reason)
	<-c.done
}

func (g *Gateway) teardown(ctx context.Context, c *client, connID, reason string) {
	g.registry.Deregister(ctx, connID, reason)
	if g.watcher != nil {
		for sig := range c.searches {
			g.watcher.Remove(sig)
		}
	}
	clear(c.searches)
}

func (g *Gateway) handle(ctx context.Context, c *client, connID string, data []byte) {
	in, err := parseInbound(data)
	if err != nil {
		g.protocolError(ctx, c, err)
		return
	}

	switch in.Type {
	case MsgAuthenticate:
		g.authenticate(ctx, c, connID, in)
	case MsgSubscribeFacility:
		g.subscribeFacility(ctx, c, connID, in)
	case MsgUnsubscribeFacility:
		g.unsubscribeFacility(ctx, c, connID, in)
	case MsgSubscribeSearch:
		g.subscribeSearch(ctx, c, connID, in)
	case MsgJoinRoom:
		g.joinRoom(ctx, c, connID, in)
	case MsgLeaveRoom:
		g.leaveRoom(ctx, c, connID, in)
	case MsgPing:
		g.sendTo(c, reply(ReplyPong, g.now(), nil))
	default:
		g.protocolError(ctx, c, ErrUnknownType)
	}
}

func (g *Gateway) authenticate(ctx context.Context, c *client, connID string, in inbound) {
	if in.Token == "" {
		g.sendTo(c, reply(ReplyAuthFailed, g.now(), errorData{Code: CodeMissingField, Message: "token is required"}))
		return
	}

	id, err := g.registry.Authenticate(ctx, connID, func(ctx context.Context) (registry.Identity, error) {
		if g.verifier == nil {
			return registry.Identity{}, ErrNoVerifier
		}
		id, err := g.verifier.Verify(ctx, in.Token)
		if err != nil {
			return registry.Identity{}, err
		}
		if in.UserID != "" && in.UserID != id.ID {
			return registry.Identity{}, ErrIdentityMismatch
		}
		return id, nil
	})
	if err != nil {
		if rl, ok := rateLimited(err); ok {
			g.metrics.Inc(metrics.RateLimited)
			g.sendTo(c, reply(ReplyAuthRateLimited, g.now(), rl))
			return
		}
		code := errorCode(err)
		g.sendTo(c, reply(ReplyAuthFailed, g.now(), errorData{Code: code, Message: errorMessage(code)}))
		return
	}

	g.sendTo(c, reply(ReplyAuthSuccess, g.now(), authData{
		UserID:      id.ID,
		Role:        id.Role,
		Permissions: id.Permissions,
		Tier:        id.Tier,
		Verified:    id.Verified,
	}))
}

func (g *Gateway) subscribeFacility(ctx context.Context, c *client, connID string, in inbound) {
	room, err := g.registry.Subscribe(ctx, connID, registry.FacilitySubscription(in.FacilityID))
	if err != nil {
		g.subscriptionError(c, err)
		return
	}

	data := subscriptionData{Kind: registry.SubscriptionFacility, Room: room, FacilityID: in.FacilityID}
	if g.snapshots != nil {
		snap, ok, err := g.snapshots.Get(ctx, in.FacilityID)
		switch {
		case err != nil:
			g.log.WarnContext(ctx, "failed to load facility snapshot", logger.FacilityID(in.FacilityID), logger.Error(err))
		case ok:
			data.Current = snap.SearchResult()
		}
	}
	g.sendTo(c, reply(ReplySubscriptionSuccess, g.now(), data))
}

func (g *Gateway) unsubscribeFacility(ctx context.Context, c *client, connID string, in inbound) {
	room, err := g.registry.Unsubscribe(ctx, connID, registry.FacilitySubscription(in.FacilityID))
	if err != nil {
		g.subscriptionError(c, err)
		return
	}
	g.sendTo(c, reply(ReplyUnsubscriptionSuccess, g.now(), subscriptionData{
		Kind:       registry.SubscriptionFacility,
		Room:       room,
		FacilityID: in.FacilityID,
	}))
}

func (g *Gateway) subscribeSearch(ctx context.Context, c *client, connID string, in inbound) {
	room, err := g.registry.Subscribe(ctx, connID, registry.SearchSubscription(in.Query, in.Filters))
	if err != nil {
		g.subscriptionError(c, err)
		return
	}

	if g.watcher != nil {
		sig := registry.SearchSignature(in.Query, in.Filters)
		if _, ok := c.searches[sig]; !ok {
			g.watcher.Add(in.Query, in.Filters)
			c.searches[sig] = struct{}{}
		}
	}
	g.sendTo(c, reply(ReplySubscriptionSuccess, g.now(), subscriptionData{
		Kind:  registry.SubscriptionSearch,
		Room:  room,
		Query: in.Query,
	}))
}

func (g *Gateway) subscriptionError(c *client, err error) {
	if rl, ok := rateLimited(err); ok {
		g.metrics.Inc(metrics.RateLimited)
		g.sendTo(c, reply(ReplySubscriptionRateLimited, g.now(), rl))
		return
	}
	code := errorCode(err)
	g.sendTo(c, reply(ReplySubscriptionError, g.now(), errorData{Code: code, Message: errorMessage(code)}))
}

func (g *Gateway) joinRoom(ctx context.Context, c *client, connID string, in inbound) {
	if err := g.registry.JoinRoom(ctx, connID, in.Room); err != nil {
		g.roomError(c, in.Room, err)
		return
	}
	g.sendTo(c, reply(ReplyRoomJoined, g.now(), roomData{Room: in.Room}))
}

func (g *Gateway) leaveRoom(ctx context.Context, c *client, connID string, in inbound) {
	if err := g.registry.LeaveRoom(ctx, connID, in.Room); err != nil {
		g.roomError(c, in.Room, err)
		return
	}
	g.sendTo(c, reply(ReplyRoomLeft, g.now(), roomData{Room: in.Room}))
}

func (g *Gateway) roomError(c *client, room string, err error) {
	if rl, ok := rateLimited(err); ok {
		g.metrics.Inc(metrics.RateLimited)
		g.sendTo(c, reply(ReplyRoomRateLimited, g.now(), rl))
		return
	}
	code := errorCode(err)
	g.sendTo(c, reply(ReplyRoomError, g.now(), roomData{Room: room, Code: code, Message: errorMessage(code)}))
}

func (g *Gateway) protocolError(ctx context.Context, c *client, err error) {
	g.metrics.Inc(metrics.ProtocolErrors)
	code := errorCode(err)
	c.log.DebugContext(ctx, "protocol error", slog.String("code", code), logger.Error(err))
	g.sendTo(c, reply(ReplyError, g.now(), errorData{Code: code, Message: errorMessage(code)}))
}

func (g *Gateway) sendTo(c *client, msg fanout.Message) {
	data, err := msg.Encode()
	if err != nil {
		g.log.Error("failed to encode reply", slog.String("type", msg.Type), logger.Error(err))
		return
	}
	if !c.Send(data) {
		g.metrics.Inc(metrics.MessagesDropped)
	}
}

