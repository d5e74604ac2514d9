package event

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPriority   = PriorityMedium
	DefaultMaxRetries = 3
)

// Event is one fact about a domain change.
// Only the processor handling an event mutates RetryCount and Processed.
type Event struct {
	ID          string
	Type        Type
	Payload     Payload
	Timestamp   time.Time
	Priority    Priority
	Source      string
	TargetRooms []string
	TargetUsers []string
	RetryCount  int
	MaxRetries  int
	Processed   bool
	ProcessedAt *time.Time
}

// Option configures an Event at construction.
type Option func(*Event)

// WithPriority overrides the default Medium priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

// WithSource records the producer identifier.
func WithSource(source string) Option {
	return func(e *Event) { e.Source = source }
}

// WithMaxRetries overrides the default retry budget. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(e *Event) {
		if n >= 0 {
			e.MaxRetries = n
		}
	}
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		if !ts.IsZero() {
			e.Timestamp = ts.UTC()
		}
	}
}

// WithRooms adds explicit target rooms.
func WithRooms(rooms ...string) Option {
	return func(e *Event) {
		for _, r := range rooms {
			e.AddRoom(r)
		}
	}
}

// WithTargets adds explicit target users.
func WithTargets(userIDs ...string) Option {
	return func(e *Event) {
		for _, id := range userIDs {
			e.AddTarget(id)
		}
	}
}

// New creates an event for the payload. The type is taken from the payload.
func New(payload Payload, opts ...Option) *Event {
	e := &Event{
		ID:         uuid.NewString(),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		Priority:   DefaultPriority,
		MaxRetries: DefaultMaxRetries,
	}
	if payload != nil {
		e.Type = payload.EventType()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Partition returns the stream partition for the event type.
func (e *Event) Partition() Partition {
	return e.Type.Partition()
}

// AddRoom adds room to the target rooms unless it is already present.
func (e *Event) AddRoom(room string) {
	if room == "" || slices.Contains(e.TargetRooms, room) {
		return
	}
	e.TargetRooms = append(e.TargetRooms, room)
}

// AddTarget adds a user to the direct-delivery targets unless already present.
func (e *Event) AddTarget(userID string) {
	if userID == "" || slices.Contains(e.TargetUsers, userID) {
		return
	}
	e.TargetUsers = append(e.TargetUsers, userID)
}

// MarkProcessed flags the event as handled. Calling it again keeps the first timestamp,
// since redelivery after a crash may hand an already handled event to the processor.
func (e *Event) MarkProcessed() {
	if e.Processed {
		return
	}
	now := time.Now().UTC()
	e.Processed = true
	e.ProcessedAt = &now
}

// IncrementRetry records a failed attempt and reports whether another attempt is allowed.
func (e *Event) IncrementRetry() bool {
	e.RetryCount++
	return e.RetryCount <= e.MaxRetries
}

// IsExpired reports whether the event is older than maxAge. A non-positive maxAge never expires.
func (e *Event) IsExpired(maxAge time.Duration) bool {
	return e.expiredAt(time.Now(), maxAge)
}

func (e *Event) expiredAt(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > maxAge
}
