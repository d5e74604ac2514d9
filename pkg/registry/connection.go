package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/statemachine"
)

// Sender is the transport side of a connection.
type Sender interface {
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	// Close terminates the transport. It must be safe to call more than once.
	Close(reason string)
}

// Connection lifecycle states.
const (
	StateConnecting    = statemachine.StringState("connecting")
	StateConnected     = statemachine.StringState("connected")
	StateAuthenticated = statemachine.StringState("authenticated")
	StateDisconnecting = statemachine.StringState("disconnecting")
	StateDisconnected  = statemachine.StringState("disconnected")
)

const (
	eventAccept       = statemachine.StringEvent("accept")
	eventAuthenticate = statemachine.StringEvent("authenticate")
	eventClose        = statemachine.StringEvent("close")
	eventClosed       = statemachine.StringEvent("closed")
)

func newLifecycle() *statemachine.Machine {
	return statemachine.MustNew(StateConnecting,
		statemachine.WithTransition(StateConnecting, StateConnected, eventAccept),
		statemachine.WithTransition(StateConnected, StateAuthenticated, eventAuthenticate),
		statemachine.WithTransition(StateAuthenticated, StateAuthenticated, eventAuthenticate),
		statemachine.WithTransition(StateConnecting, StateDisconnecting, eventClose),
		statemachine.WithTransition(StateConnected, StateDisconnecting, eventClose),
		statemachine.WithTransition(StateAuthenticated, StateDisconnecting, eventClose),
		statemachine.WithTransition(StateDisconnecting, StateDisconnected, eventClosed),
		statemachine.WithTerminal(StateDisconnected),
	)
}

// Connection is one client session. It implements broadcast.Member.
type Connection struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	sender      Sender
	lifecycle   *statemachine.Machine

	// mu guards identity and membership bookkeeping, and serializes lifecycle changes
	// against joins so teardown sees every room.
	mu         sync.Mutex
	identity   *Identity
	rooms      map[string]struct{}
	facilities map[string]struct{}
	searches   map[string]struct{}

	lastActivity atomic.Int64
	sent         atomic.Int64
	dropped      atomic.Int64
}

func newConnection(id, remoteAddr string, sender Sender, now time.Time) *Connection {
	c := &Connection{
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: now,
		sender:      sender,
		lifecycle:   newLifecycle(),
		rooms:       make(map[string]struct{}),
		facilities:  make(map[string]struct{}),
		searches:    make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client address recorded at registration.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt returns the registration time.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// State returns the current lifecycle state.
func (c *Connection) State() statemachine.State { return c.lifecycle.Current() }

// Deliver hands msg to the transport unless the connection is closing.
func (c *Connection) Deliver(msg []byte) bool {
	switch c.lifecycle.Current() {
	case StateDisconnecting, StateDisconnected:
		return false
	}
	if !c.sender.Send(msg) {
		c.dropped.Add(1)
		return false
	}
	c.sent.Add(1)
	return true
}

// Identity returns the authenticated identity, if any.
func (c *Connection) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// Rooms returns the rooms the connection is in.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return keys(c.rooms)
}

// Facilities returns the subscribed facility IDs.
func (c *Connection) Facilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return keys(c.facilities)
}

// LastActivity returns the time of the last inbound message.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Sent and Dropped count outbound messages accepted and refused by the transport.
func (c *Connection) Sent() int64    { return c.sent.Load() }
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

func (c *Connection) fire(ctx context.Context, ev statemachine.Event) error {
	return c.lifecycle.Fire(ctx, ev, c)
}

// closingLocked reports whether teardown has started. Caller must hold c.mu.
func (c *Connection) closingLocked() bool {
	switch c.lifecycle.Current() {
	case StateDisconnecting, StateDisconnected:
		return true
	}
	return false
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
