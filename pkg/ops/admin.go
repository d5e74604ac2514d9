package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

// EventPublisher appends events to the stream. stream.Publisher implements it.
type EventPublisher interface {
	Publish(ctx context.Context, ev *event.Event) (string, error)
}

const (
	maxBodyBytes     = 64 << 10
	defaultListLimit = 50
	maxListLimit     = 1000
)

// adminTypes are the event types operators may publish. Availability and search
// events are produced by the poller only.
var adminTypes = []event.Type{
	event.TypeStatusUpdated,
	event.TypeUserNotification,
	event.TypeMaintenanceMode,
	event.TypeAnnouncement,
	event.TypeSystemAlert,
}

// PublishRequest is the body of POST /admin/events.
type PublishRequest struct {
	Type     event.Type      `json:"type"`
	Priority *event.Priority `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Rooms    []string        `json:"rooms,omitempty"`
	Targets  []string        `json:"targets,omitempty"`
}

// PublishResult is returned for an accepted event.
type PublishResult struct {
	EventID   string          `json:"event_id"`
	EntryID   string          `json:"entry_id"`
	Partition event.Partition `json:"partition"`
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if !slices.Contains(adminTypes, req.Type) {
		writeError(w, ErrUnprocessable, "event type cannot be published by operators")
		return
	}

	payload, err := event.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeError(w, ErrUnprocessable, err.Error())
		return
	}

	source := "admin"
	if claims, ok := jwt.GetClaims(r.Context()); ok {
		source = "admin:" + claims.UserID()
	}
	opts := []event.Option{event.WithSource(source), event.WithRooms(req.Rooms...), event.WithTargets(req.Targets...)}
	if req.Priority != nil {
		opts = append(opts, event.WithPriority(*req.Priority))
	}
	ev := event.New(payload, opts...)

	entryID, err := h.publisher.Publish(r.Context(), ev)
	if err != nil {
		h.log.ErrorContext(r.Context(), "admin publish failed", logger.EventID(ev.ID), logger.Error(err))
		writeError(w, ErrServiceUnavailable, "event could not be published")
		return
	}

	h.log.InfoContext(r.Context(), "admin event published",
		logger.EventID(ev.ID),
		logger.EventType(ev.Type.String()),
		logger.EntryID(entryID),
	)
	writeData(w, http.StatusAccepted, "accepted", PublishResult{
		EventID:   ev.ID,
		EntryID:   entryID,
		Partition: ev.Partition(),
	}, nil)
}

// DeadLetterView is the JSON form of a dead letter.
type DeadLetterView struct {
	ID                string          `json:"id"`
	OriginalPartition event.Partition `json:"original_partition"`
	OriginalID        string          `json:"original_id"`
	Reason            string          `json:"reason"`
	DeliveryCount     int64           `json:"delivery_count"`
	FailedAt          time.Time       `json:"failed_at"`
	Event             json.RawMessage `json:"event,omitempty"`
	Raw               string          `json:"raw,omitempty"`
}

func viewOf(rec stream.DeadLetterRecord) DeadLetterView {
	v := DeadLetterView{
		ID:                rec.ID,
		OriginalPartition: rec.OriginalPartition,
		OriginalID:        rec.OriginalID,
		Reason:            rec.Reason,
		DeliveryCount:     rec.DeliveryCount,
		FailedAt:          rec.FailedAt,
	}
	if json.Valid(rec.Data) {
		v.Event = rec.Data
	} else {
		v.Raw = string(rec.Data)
	}
	return v
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultListLimit)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, ErrBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to list dead letters", logger.Error(err))
		writeError(w, ErrServiceUnavailable, "dead letters could not be read")
		return
	}

	views := make([]DeadLetterView, len(recs))
	for i, rec := range recs {
		views[i] = viewOf(rec)
	}
	writeData(w, http.StatusOK, "dead_letters", views, map[string]any{"count": len(views), "limit": limit})
}

// ReplayRequest is the body of POST /admin/dead-letters/replay.
type ReplayRequest struct {
	IDs []string `json:"ids"`
}

// ReplayResult reports a replay.
type ReplayResult struct {
	Requested int      `json:"requested"`
	Replayed  int      `json:"replayed"`
	Errors    []string `json:"errors,omitempty"`
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, ErrUnprocessable, "ids are required")
		return
	}

	recs, err := h.deadLetters.Find(r.Context(), req.IDs...)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to read dead letters", logger.Error(err))
		writeError(w, ErrServiceUnavailable, "dead letters could not be read")
		return
	}

	res := ReplayResult{Requested: len(req.IDs)}
	res.Replayed, err = h.deadLetters.Replay(r.Context(), recs...)
	if err != nil {
		h.log.WarnContext(r.Context(), "dead letter replay incomplete", logger.Error(err))
		res.Errors = splitJoined(err)
	}
	writeData(w, http.StatusOK, "replayed", res, nil)
}

func splitJoined(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, ErrPayloadTooLarge, "")
		return
	}
	writeError(w, ErrBadRequest, "request body is not valid JSON")
}
