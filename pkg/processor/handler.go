package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// Handler processes events of one type. Returning an error leaves the entry pending for
// redelivery; wrap it with backoff.Permanent to dead-letter it immediately.
type Handler interface {
	Type() event.Type
	Handle(ctx context.Context, ev *event.Event) error
}

type typedHandler[P event.Payload] struct {
	typ event.Type
	fn  func(ctx context.Context, ev *event.Event, payload P) error
}

// NewHandler adapts fn into a Handler for the event type of payload P.
//
//	processor.NewHandler(func(ctx context.Context, ev *event.Event, p event.StatusUpdated) error {
//		return notify(ctx, p.FacilityID)
//	})
func NewHandler[P event.Payload](fn func(ctx context.Context, ev *event.Event, payload P) error) Handler {
	var zero P
	return &typedHandler[P]{typ: zero.EventType(), fn: fn}
}

func (h *typedHandler[P]) Type() event.Type { return h.typ }

func (h *typedHandler[P]) Handle(ctx context.Context, ev *event.Event) error {
	p, ok := ev.Payload.(P)
	if !ok {
		return backoff.Permanent(fmt.Errorf("%w: %T for %s", event.ErrInvalidPayload, ev.Payload, h.typ))
	}
	return h.fn(ctx, ev, p)
}

// Dispatcher delivers an event to clients.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event) (int, error)
}

// FanOutHandlers returns a handler per known event type that hands the event to d.
// Errors wrapping any of permanent are not retried.
func FanOutHandlers(d Dispatcher, permanent ...error) []Handler {
	types := []event.Type{
		event.TypeAvailabilityChanged,
		event.TypeStatusUpdated,
		event.TypeSearchResultsUpdated,
		event.TypeUserNotification,
		event.TypeMaintenanceMode,
		event.TypeAnnouncement,
		event.TypeSystemAlert,
	}
	handlers := make([]Handler, 0, len(types))
	for _, t := range types {
		handlers = append(handlers, &fanOutHandler{typ: t, dispatcher: d, permanent: permanent})
	}
	return handlers
}

type fanOutHandler struct {
	typ        event.Type
	dispatcher Dispatcher
	permanent  []error
}

func (h *fanOutHandler) Type() event.Type { return h.typ }

func (h *fanOutHandler) Handle(ctx context.Context, ev *event.Event) error {
	_, err := h.dispatcher.Dispatch(ctx, ev)
	if err == nil {
		return nil
	}
	for _, p := range h.permanent {
		if errors.Is(err, p) {
			return backoff.Permanent(err)
		}
	}
	return err
}
