package broadcast

import (
	"sync"
)

// Member is a recipient that can join rooms.
// Deliver must not block; it returns false when the message was dropped.
type Member[T any] interface {
	ID() string
	Deliver(msg T) bool
}

// Stats summarizes a Hub.
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

// HubOption configures a Hub.
type HubOption[T any] func(*Hub[T])

// WithSizeCallback registers fn to be called with the new member count of a room after
// every join or leave. A count of 0 means the room was removed.
func WithSizeCallback[T any](fn func(room string, size int)) HubOption[T] {
	return func(h *Hub[T]) {
		h.onSize = fn
	}
}

// WithDropCallback registers fn to be called for every message a member refused.
func WithDropCallback[T any](fn func(room, memberID string)) HubOption[T] {
	return func(h *Hub[T]) {
		h.onDrop = fn
	}
}

// Hub routes messages to members grouped in named rooms.
// Each room has its own lock so publishing to one room never waits on another.
type Hub[T any] struct {
	mu     sync.RWMutex
	rooms  map[string]*room[T]
	closed bool

	onSize func(room string, size int)
	onDrop func(room, memberID string)
}

type room[T any] struct {
	mu      sync.RWMutex
	members map[string]Member[T]
	removed bool
}

// NewHub creates an empty hub.
func NewHub[T any](opts ...HubOption[T]) *Hub[T] {
	h := &Hub[T]{rooms: make(map[string]*room[T])}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join adds m to name, creating the room on first use.
// Returns false when m was already a member.
func (h *Hub[T]) Join(name string, m Member[T]) (bool, error) {
	if name == "" {
		return false, ErrEmptyRoom
	}
	if m == nil {
		return false, ErrNilMember
	}

	for {
		r, err := h.roomFor(name)
		if err != nil {
			return false, err
		}

		r.mu.Lock()
		if r.removed {
			// Lost a race with the last member leaving; retry with a fresh room.
			r.mu.Unlock()
			continue
		}
		_, exists := r.members[m.ID()]
		r.members[m.ID()] = m
		size := len(r.members)
		r.mu.Unlock()

		if !exists {
			h.reportSize(name, size)
		}
		return !exists, nil
	}
}

// Leave removes memberID from name. Empty rooms are dropped.
// Returns false when it was not a member.
func (h *Hub[T]) Leave(name, memberID string) bool {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	if _, member := r.members[memberID]; !member {
		r.mu.Unlock()
		return false
	}
	delete(r.members, memberID)
	size := len(r.members)
	if size == 0 {
		r.removed = true
	}
	r.mu.Unlock()

	if size == 0 {
		h.mu.Lock()
		if h.rooms[name] == r {
			delete(h.rooms, name)
		}
		h.mu.Unlock()
	}

	h.reportSize(name, size)
	return true
}

// Publish delivers msg to every member of name and returns how many accepted and
// refused it. Delivery happens outside the room lock.
func (h *Hub[T]) Publish(name string, msg T) (delivered, dropped int) {
	members := h.snapshot(name)
	for _, m := range members {
		if m.Deliver(msg) {
			delivered++
			continue
		}
		dropped++
		if h.onDrop != nil {
			h.onDrop(name, m.ID())
		}
	}
	return delivered, dropped
}

// Members returns the IDs currently in name.
func (h *Hub[T]) Members(name string) []string {
	members := h.snapshot(name)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID())
	}
	return ids
}

// Size returns the member count of name.
func (h *Hub[T]) Size(name string) int {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Stats returns room and membership totals.
func (h *Hub[T]) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		r.mu.RLock()
		s.Members += len(r.members)
		r.mu.RUnlock()
	}
	return s
}

// Close drops every room. Later joins fail with ErrHubClosed.
func (h *Hub[T]) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for name, r := range h.rooms {
		r.mu.Lock()
		r.removed = true
		clear(r.members)
		r.mu.Unlock()
		delete(h.rooms, name)
	}
	return nil
}

func (h *Hub[T]) roomFor(name string) (*room[T], error) {
	h.mu.RLock()
	r, ok := h.rooms[name]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrHubClosed
	}
	if ok {
		return r, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if r, ok = h.rooms[name]; !ok {
		r = &room[T]{members: make(map[string]Member[T])}
		h.rooms[name] = r
	}
	return r, nil
}

func (h *Hub[T]) snapshot(name string) []Member[T] {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]Member[T], 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}

func (h *Hub[T]) reportSize(name string, size int) {
	if h.onSize != nil {
		h.onSize(name, size)
	}
}
