package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type wireEvent struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Priority    Priority        `json:"priority"`
	Source      string          `json:"source,omitempty"`
	TargetRooms []string        `json:"targetRooms,omitempty"`
	TargetUsers []string        `json:"targetUsers,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	Processed   bool            `json:"processed,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Marshal encodes the event into the wire form stored in the stream.
func Marshal(e *Event) ([]byte, error) {
	if e == nil || e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if !e.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Payload.EventType() != e.Type {
		return nil, fmt.Errorf("%w: payload %q does not match type %q", ErrInvalidPayload, e.Payload.EventType(), e.Type)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	return json.Marshal(wireEvent{
		ID:          e.ID,
		Type:        e.Type,
		Payload:     payload,
		Timestamp:   e.Timestamp,
		Priority:    e.Priority,
		Source:      e.Source,
		TargetRooms: e.TargetRooms,
		TargetUsers: e.TargetUsers,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		Processed:   e.Processed,
		ProcessedAt: e.ProcessedAt,
	})
}

// Unmarshal decodes the wire form. Unknown types fail with ErrUnknownType.
func Unmarshal(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}

	payload, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:          w.ID,
		Type:        w.Type,
		Payload:     payload,
		Timestamp:   w.Timestamp,
		Priority:    w.Priority,
		Source:      w.Source,
		TargetRooms: w.TargetRooms,
		TargetUsers: w.TargetUsers,
		RetryCount:  w.RetryCount,
		MaxRetries:  w.MaxRetries,
		Processed:   w.Processed,
		ProcessedAt: w.ProcessedAt,
	}, nil
}

// ClientMessage is the client-facing projection of an event.
type ClientMessage struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ClientView returns the event without retry and processing bookkeeping.
func (e *Event) ClientView() ClientMessage {
	return ClientMessage{
		ID:        e.ID,
		Type:      e.Type,
		Priority:  e.Priority,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
}
