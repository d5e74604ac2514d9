package fanout

import (
	"encoding/json"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// Outbound message kinds for events.
const (
	KindAvailabilityChanged = "facility:availability_changed"
	KindAvailabilityStatus  = "facility:availability_status"
	KindStatusUpdated       = "facility:status_updated"
	KindSearchResults       = "search:results_updated"
	KindNotification        = "user:notification"
	KindMaintenance         = "system:maintenance"
	KindAnnouncement        = "system:announcement"
	KindAlert               = "system:alert"
)

// Message is the envelope written to clients.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Priority  *event.Priority `json:"priority,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      any             `json:"data,omitempty"`
}

// Encode returns the JSON form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func messageFor(ev *event.Event, kind string, data any) Message {
	p := ev.Priority
	return Message{
		Type:      kind,
		ID:        ev.ID,
		Priority:  &p,
		Timestamp: ev.Timestamp,
		Data:      data,
	}
}
