package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/bedwatch/pkg/broadcast"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/ratelimit"
)

const shardCount = 32

// Operation names a rate limited registry operation.
type Operation string

const (
	OpAuthenticate      Operation = "authenticate"
	OpSubscribeFacility Operation = "subscribe_facility"
	OpSubscribeSearch   Operation = "subscribe_search"
	OpJoinRoom          Operation = "join_room"
)

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Users         int `json:"users"`
	Rooms         int `json:"rooms"`
	Memberships   int `json:"memberships"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records connection and delivery counters into m.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLimiterStore shares rate limit counters through store, e.g. a ratelimit.RedisStore.
func WithLimiterStore(store ratelimit.Store) Option {
	return func(r *Registry) {
		if store != nil {
			r.limiterStore = store
		}
	}
}

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry tracks connections, their rooms and subscriptions.
// It is safe for concurrent use; create one per process and pass it where needed.
type Registry struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	shards [shardCount]*shard
	hub    *broadcast.Hub[[]byte]

	usersMu sync.Mutex
	users   map[string]map[string]struct{}

	limiterStore ratelimit.Store
	ownStore     *ratelimit.MemoryStore
	limiters     map[Operation]*ratelimit.FixedWindow

	authenticated atomic.Int64
}

// New creates a registry. Without WithLimiterStore, limits are kept in memory.
func New(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
		users: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Component("registry"))

	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*Connection)}
	}

	r.hub = broadcast.NewHub(broadcast.WithDropCallback[[]byte](func(room, memberID string) {
		r.metrics.Inc(metrics.MessagesDropped)
	}))

	if r.limiterStore == nil {
		r.ownStore = ratelimit.NewMemoryStore()
		r.limiterStore = r.ownStore
	}

	limits := map[Operation]struct {
		limit  int
		window time.Duration
	}{
		OpAuthenticate:      {cfg.AuthLimit, cfg.AuthWindow},
		OpSubscribeFacility: {cfg.FacilitySubscribeLimit, cfg.OperationWindow},
		OpSubscribeSearch:   {cfg.SearchSubscribeLimit, cfg.OperationWindow},
		OpJoinRoom:          {cfg.RoomJoinLimit, cfg.OperationWindow},
	}
	r.limiters = make(map[Operation]*ratelimit.FixedWindow, len(limits))
	for op, l := range limits {
		fw, err := ratelimit.NewFixedWindow(r.limiterStore, l.limit, l.window)
		if err != nil {
			return nil, err
		}
		r.limiters[op] = fw
	}

	return r, nil
}

// Close drops all rooms and stops the in-memory limiter store.
// Connections are not closed; call Deregister or CloseAll first.
func (r *Registry) Close() error {
	if r.ownStore != nil {
		_ = r.ownStore.Close()
	}
	return r.hub.Close()
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register accepts a new connection. It starts in no room; clients opt into the global
// room with JoinRoom(RoomAll).
func (r *Registry) Register(ctx context.Context, sender Sender, remoteAddr string) (*Connection, error) {
	if sender == nil {
		return nil, ErrNilSender
	}

	conn := newConnection(uuid.NewString(), remoteAddr, sender, r.now())
	if err := conn.fire(ctx, eventAccept); err != nil {
		return nil, err
	}

	s := r.shardFor(conn.id)
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	r.metrics.Inc(metrics.ConnectionsOpened)
	r.log.DebugContext(ctx, "connection registered", logger.ConnectionID(conn.id))
	return conn, nil
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Touch records inbound activity for id.
func (r *Registry) Touch(id string) {
	if c, ok := r.Get(id); ok {
		c.lastActivity.Store(r.now().UnixNano())
	}
}

// Authenticate verifies credentials for connID through verify. The attempt is counted
// against the authentication limit before verify runs. On failure the connection keeps
// its previous state and rooms. Re-authenticating as another user moves the connection
// out of the previous user's room.
func (r *Registry) Authenticate(ctx context.Context, connID string, verify func(context.Context) (Identity, error)) (Identity, error) {
	conn, ok := r.Get(connID)
	if !ok {
		return Identity{}, ErrConnectionNotFound
	}
	if err := r.allow(ctx, OpAuthenticate, connID); err != nil {
		return Identity{}, err
	}

	id, err := verify(ctx)
	if err == nil && id.ID == "" {
		err = errors.New("identity has no id")
	}
	if err != nil {
		r.log.InfoContext(ctx, "authentication failed", logger.ConnectionID(connID), logger.Error(err))
		return Identity{}, errors.Join(ErrAuthFailed, err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closingLocked() {
		return Identity{}, ErrConnectionClosed
	}
	if err := conn.fire(ctx, eventAuthenticate); err != nil {
		return Identity{}, errors.Join(ErrConnectionClosed, err)
	}

	prev := conn.identity
	if prev != nil {
		if prev.ID != id.ID {
			r.leaveLocked(conn, UserRoom(prev.ID))
			r.untrackUser(prev.ID, connID)
		}
		if prev.IsAdmin() && !id.IsAdmin() {
			r.leaveLocked(conn, RoomAdmins)
		}
	} else {
		r.authenticated.Add(1)
	}

	conn.identity = &id
	r.trackUser(id.ID, connID)

	rooms := []string{RoomAuthenticated, UserRoom(id.ID)}
	if id.IsAdmin() {
		rooms = append(rooms, RoomAdmins)
	}
	for _, room := range rooms {
		if err := r.joinLocked(conn, room); err != nil {
			return Identity{}, err
		}
	}

	r.log.InfoContext(ctx, "connection authenticated",
		logger.ConnectionID(connID),
		logger.UserID(id.ID),
		slog.String("role", id.Role),
	)
	return id, nil
}

// SubscriptionKind distinguishes facility and search subscriptions.
type SubscriptionKind string

const (
	SubscriptionFacility SubscriptionKind = "facility"
	SubscriptionSearch   SubscriptionKind = "search"
)

// Subscription describes what a connection wants to follow.
type Subscription struct {
	Kind       SubscriptionKind
	FacilityID string
	Query      string
	Filters    map[string]string
}

// FacilitySubscription follows one facility.
func FacilitySubscription(facilityID string) Subscription {
	return Subscription{Kind: SubscriptionFacility, FacilityID: facilityID}
}

// SearchSubscription follows the results of a saved search.
func SearchSubscription(query string, filters map[string]string) Subscription {
	return Subscription{Kind: SubscriptionSearch, Query: query, Filters: filters}
}

// Room returns the room backing the subscription.
func (s Subscription) Room() (string, error) {
	switch s.Kind {
	case SubscriptionFacility:
		room := FacilityRoom(s.FacilityID)
		if ClassifyRoom(room) != RoomKindFacility {
			return "", ErrInvalidSubscription
		}
		return room, nil
	case SubscriptionSearch:
		if normalize(s.Query) == "" {
			return "", ErrInvalidSubscription
		}
		return SearchRoom(s.Query, s.Filters), nil
	}
	return "", ErrInvalidSubscription
}

func (s Subscription) operation() Operation {
	if s.Kind == SubscriptionSearch {
		return OpSubscribeSearch
	}
	return OpSubscribeFacility
}

// Subscribe joins connID to the room of sub and returns the room name.
func (r *Registry) Subscribe(ctx context.Context, connID string, sub Subscription) (string, error) {
	room, err := sub.Room()
	if err != nil {
		return "", err
	}
	conn, ok := r.Get(connID)
	if !ok {
		return "", ErrConnectionNotFound
	}
	if err := r.allow(ctx, sub.operation(), connID); err != nil {
		return "", err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closingLocked() {
		return "", ErrConnectionClosed
	}
	if err := r.joinLocked(conn, room); err != nil {
		return "", err
	}
	if sub.Kind == SubscriptionFacility {
		conn.facilities[sub.FacilityID] = struct{}{}
	} else {
		conn.searches[room] = struct{}{}
	}
	return room, nil
}

// Unsubscribe removes connID from the room of sub.
func (r *Registry) Unsubscribe(ctx context.Context, connID string, sub Subscription) (string, error) {
	room, err := sub.Room()
	if err != nil {
		return "", err
	}
	conn, ok := r.Get(connID)
	if !ok {
		return "", ErrConnectionNotFound
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if !r.leaveLocked(conn, room) {
		return room, ErrNotMember
	}
	delete(conn.facilities, sub.FacilityID)
	delete(conn.searches, room)
	return room, nil
}

// JoinRoom adds connID to a named room. Private rooms (user, authenticated, admins)
// are managed by Authenticate and cannot be joined directly.
func (r *Registry) JoinRoom(ctx context.Context, connID, room string) error {
	switch ClassifyRoom(room) {
	case RoomKindInvalid:
		return ErrInvalidRoom
	case RoomKindUser, RoomKindAuthenticated, RoomKindAdmins:
		return ErrRoomForbidden
	}

	conn, ok := r.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	if err := r.allow(ctx, OpJoinRoom, connID); err != nil {
		return err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closingLocked() {
		return ErrConnectionClosed
	}
	return r.joinLocked(conn, room)
}

// LeaveRoom removes connID from room.
func (r *Registry) LeaveRoom(_ context.Context, connID, room string) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if !r.leaveLocked(conn, room) {
		return ErrNotMember
	}
	return nil
}

// Deregister tears a connection down: it leaves every room, drops subscriptions,
// resets its rate limits and closes the transport. Only the first call for an ID does
// anything; it reports whether this call performed the teardown.
func (r *Registry) Deregister(ctx context.Context, connID, reason string) bool {
	s := r.shardFor(connID)
	s.mu.Lock()
	conn, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	conn.mu.Lock()
	_ = conn.fire(ctx, eventClose)
	for room := range conn.rooms {
		r.hub.Leave(room, connID)
	}
	clear(conn.rooms)
	clear(conn.facilities)
	clear(conn.searches)
	if conn.identity != nil {
		r.untrackUser(conn.identity.ID, connID)
		r.authenticated.Add(-1)
	}
	conn.mu.Unlock()

	for op, l := range r.limiters {
		if err := l.Reset(ctx, limiterKey(op, connID)); err != nil {
			r.log.WarnContext(ctx, "failed to reset rate limit", logger.ConnectionID(connID), logger.Error(err))
		}
	}

	conn.sender.Close(reason)
	_ = conn.fire(ctx, eventClosed)

	r.metrics.Inc(metrics.ConnectionsClosed)
	r.log.DebugContext(ctx, "connection deregistered",
		logger.ConnectionID(connID),
		slog.String("reason", reason),
		logger.Duration(r.now().Sub(conn.connectedAt)),
	)
	return true
}

// Broadcast delivers msg to every member of room and returns the delivered count.
func (r *Registry) Broadcast(room string, msg []byte) int {
	delivered, _ := r.hub.Publish(room, msg)
	r.metrics.Inc(metrics.Broadcasts)
	r.metrics.Add(metrics.MessagesDelivered, int64(delivered))
	return delivered
}

// BroadcastToUser delivers msg to every connection of userID.
func (r *Registry) BroadcastToUser(userID string, msg []byte) int {
	if userID == "" {
		return 0
	}
	return r.Broadcast(UserRoom(userID), msg)
}

// RoomSize returns the number of connections in room.
func (r *Registry) RoomSize(room string) int {
	return r.hub.Size(room)
}

// Stats returns connection and room totals.
func (r *Registry) Stats() Stats {
	st := Stats{Authenticated: int(r.authenticated.Load())}
	for _, s := range r.shards {
		s.mu.RLock()
		st.Connections += len(s.conns)
		s.mu.RUnlock()
	}

	r.usersMu.Lock()
	st.Users = len(r.users)
	r.usersMu.Unlock()

	hs := r.hub.Stats()
	st.Rooms, st.Memberships = hs.Rooms, hs.Members
	return st
}

// SweepIdle deregisters connections without inbound activity for longer than the
// configured idle timeout and returns how many were removed.
func (r *Registry) SweepIdle(ctx context.Context) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	var idle []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id, c := range s.conns {
			if c.LastActivity().Before(cutoff) {
				idle = append(idle, id)
			}
		}
		s.mu.RUnlock()
	}

	removed := 0
	for _, id := range idle {
		if r.Deregister(ctx, id, "idle timeout") {
			removed++
		}
	}
	if removed > 0 {
		r.log.InfoContext(ctx, "idle connections swept", slog.Int("count", removed))
	}
	return removed
}

// RunSweeper sweeps idle connections every SweepInterval until ctx is done.
// The returned function fits errgroup.Group.Go.
func (r *Registry) RunSweeper(ctx context.Context) func() error {
	return func() error {
		if r.cfg.SweepInterval <= 0 {
			<-ctx.Done()
			return nil
		}
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.SweepIdle(ctx)
			}
		}
	}
}

// CloseAll deregisters every connection with reason.
func (r *Registry) CloseAll(ctx context.Context, reason string) int {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}

	closed := 0
	for _, id := range ids {
		if r.Deregister(ctx, id, reason) {
			closed++
		}
	}
	return closed
}

// joinLocked adds conn to room. Caller must hold conn.mu.
func (r *Registry) joinLocked(conn *Connection, room string) error {
	if _, ok := conn.rooms[room]; ok {
		return nil
	}
	if len(conn.rooms) >= r.cfg.MaxRooms {
		return ErrTooManyRooms
	}
	if _, err := r.hub.Join(room, conn); err != nil {
		return err
	}
	conn.rooms[room] = struct{}{}
	return nil
}

// leaveLocked removes conn from room. Caller must hold conn.mu.
func (r *Registry) leaveLocked(conn *Connection, room string) bool {
	if _, ok := conn.rooms[room]; !ok {
		return false
	}
	delete(conn.rooms, room)
	r.hub.Leave(room, conn.id)
	return true
}

func (r *Registry) trackUser(userID, connID string) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
}

func (r *Registry) untrackUser(userID, connID string) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
	}
}

// UserConnections returns the IDs of every connection authenticated as userID.
func (r *Registry) UserConnections(userID string) []string {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	return keys(r.users[userID])
}

// allow consumes one slot of op for connID. Store failures fail open.
func (r *Registry) allow(ctx context.Context, op Operation, connID string) error {
	res, err := r.limiters[op].Allow(ctx, limiterKey(op, connID))
	if err != nil {
		r.log.WarnContext(ctx, "rate limit check failed, allowing",
			logger.ConnectionID(connID),
			slog.String("operation", string(op)),
			logger.Error(err),
		)
		return nil
	}
	if res.Allowed {
		return nil
	}

	r.metrics.Inc(metrics.RateLimited)
	r.log.InfoContext(ctx, "operation rate limited",
		logger.ConnectionID(connID),
		slog.String("operation", string(op)),
	)
	return &RateLimitError{Op: op, RetryAfter: res.RetryAfter()}
}

func limiterKey(op Operation, connID string) string {
	return ratelimit.Key(string(op), connID)
}
