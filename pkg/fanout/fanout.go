package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

// DefaultSearchLimit caps search results sent to a search room.
const DefaultSearchLimit = 20

// ErrEncode is returned when a route cannot be serialized.
var ErrEncode = errors.New("fanout: failed to encode message")

// Deliverer sends encoded messages to rooms and users.
type Deliverer interface {
	Broadcast(room string, msg []byte) int
	BroadcastToUser(userID string, msg []byte) int
}

// Route is one delivery decided for an event. Exactly one of Room and UserID is set.
type Route struct {
	Room    string
	UserID  string
	Message Message
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

// WithSearchLimit overrides the number of search results sent to clients.
func WithSearchLimit(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.searchLimit = n
		}
	}
}

// Broadcaster applies the room rules for every event type.
type Broadcaster struct {
	deliverer   Deliverer
	log         *slog.Logger
	searchLimit int
}

// New creates a Broadcaster delivering through d.
func New(d Deliverer, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		deliverer:   d,
		log:         slog.Default(),
		searchLimit: DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(logger.Component("fanout"))
	return b
}

// Resolve returns the routes for ev without delivering anything.
func (b *Broadcaster) Resolve(ev *event.Event) ([]Route, error) {
	if ev == nil || ev.Payload == nil {
		return nil, event.ErrInvalidPayload
	}

	var (
		routes []Route
		public any
		kind   string
	)
	to := func(room, k string, data any) {
		routes = append(routes, Route{Room: room, Message: messageFor(ev, k, data)})
	}

	switch p := ev.Payload.(type) {
	case event.AvailabilityChanged:
		to(registry.FacilityRoom(p.FacilityID), KindAvailabilityChanged, p)
		kind, public = KindAvailabilityStatus, publicAvailability(p)
		if p.Changes.AvailabilityTransition() {
			to(registry.RoomAll, kind, public)
		}

	case event.StatusUpdated:
		to(registry.FacilityRoom(p.FacilityID), KindStatusUpdated, p)
		kind, public = KindStatusUpdated, publicStatus(p)
		if event.IsCriticalStatus(p.OldStatus) || event.IsCriticalStatus(p.NewStatus) {
			to(registry.RoomAuthenticated, kind, public)
		}

	case event.SearchResultsUpdated:
		kind, public = KindSearchResults, publicSearch(p, b.searchLimit)
		to(registry.SearchRoom(p.Query, p.Filters), kind, public)

	case event.UserNotification:
		routes = append(routes, Route{UserID: p.UserID, Message: messageFor(ev, KindNotification, p)})
		kind, public = KindNotification, publicNotification(p)

	case event.MaintenanceMode:
		kind, public = KindMaintenance, publicMaintenance(p)
		to(registry.RoomAll, kind, public)

	case event.Announcement:
		kind, public = KindAnnouncement, publicAnnouncement(p)
		to(registry.RoomAll, kind, public)

	case event.SystemAlert:
		kind, public = KindAlert, publicAlert(p)
		to(registry.RoomAll, kind, public)
		to(registry.RoomAdmins, KindAlert, p)

	default:
		return nil, fmt.Errorf("%w: %T", event.ErrUnknownType, ev.Payload)
	}

	return b.withTargets(ev, routes, kind, public), nil
}

// withTargets appends explicit target rooms and users with the public projection,
// skipping destinations already routed.
func (b *Broadcaster) withTargets(ev *event.Event, routes []Route, kind string, public any) []Route {
	seenRooms := make(map[string]struct{}, len(routes))
	seenUsers := make(map[string]struct{})
	for _, r := range routes {
		if r.UserID != "" {
			seenUsers[r.UserID] = struct{}{}
		} else {
			seenRooms[r.Room] = struct{}{}
		}
	}

	for _, room := range ev.TargetRooms {
		if _, ok := seenRooms[room]; ok || registry.ClassifyRoom(room) == registry.RoomKindInvalid {
			continue
		}
		seenRooms[room] = struct{}{}
		routes = append(routes, Route{Room: room, Message: messageFor(ev, kind, public)})
	}
	for _, user := range ev.TargetUsers {
		if _, ok := seenUsers[user]; ok || user == "" {
			continue
		}
		seenUsers[user] = struct{}{}
		routes = append(routes, Route{UserID: user, Message: messageFor(ev, kind, public)})
	}
	return routes
}

// Dispatch resolves ev and delivers every route. It returns the number of connections
// reached. An encode failure aborts before anything is sent.
func (b *Broadcaster) Dispatch(ctx context.Context, ev *event.Event) (int, error) {
	routes, err := b.Resolve(ev)
	if err != nil {
		return 0, err
	}

	encoded := make([][]byte, len(routes))
	for i, r := range routes {
		data, err := r.Message.Encode()
		if err != nil {
			return 0, errors.Join(ErrEncode, err)
		}
		encoded[i] = data
	}

	total := 0
	for i, r := range routes {
		var n int
		if r.UserID != "" {
			n = b.deliverer.BroadcastToUser(r.UserID, encoded[i])
		} else {
			n = b.deliverer.Broadcast(r.Room, encoded[i])
		}
		total += n
	}

	b.log.DebugContext(ctx, "event fanned out",
		logger.EventID(ev.ID),
		logger.EventType(ev.Type.String()),
		slog.Int("routes", len(routes)),
		slog.Int("delivered", total),
	)
	return total, nil
}
