package gateway

import (
	"errors"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dmitrymomot/bedwatch/pkg/fanout"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

// Inbound message types.
const (
	MsgAuthenticate        = "authenticate"
	MsgSubscribeFacility   = "subscribe_facility"
	MsgUnsubscribeFacility = "unsubscribe_facility"
	MsgSubscribeSearch     = "subscribe_search"
	MsgJoinRoom            = "join_room"
	MsgLeaveRoom           = "leave_room"
	MsgPing                = "ping"
)

// Reply kinds.
const (
	ReplyConnected               = "connection:established"
	ReplyAuthSuccess             = "auth:success"
	ReplyAuthFailed              = "auth:failed"
	ReplyAuthRateLimited         = "auth:rate_limited"
	ReplySubscriptionSuccess     = "subscription:success"
	ReplySubscriptionRateLimited = "subscription:rate_limited"
	ReplySubscriptionError       = "subscription:error"
	ReplyUnsubscriptionSuccess   = "unsubscription:success"
	ReplyRoomJoined              = "room:joined"
	ReplyRoomLeft                = "room:left"
	ReplyRoomRateLimited         = "room:rate_limited"
	ReplyRoomError               = "room:error"
	ReplyError                   = "error"
	ReplyPong                    = "pong"
)

// Error codes carried in error replies.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeMissingField   = "missing_field"
	CodeInvalidRoom    = "invalid_room"
	CodeForbidden      = "forbidden"
	CodeTooManyRooms   = "too_many_rooms"
	CodeNotMember      = "not_member"
	CodeNotFound       = "not_found"
	CodeAuthFailed     = "auth_failed"
	CodeInternal       = "internal"
)

// inbound is a decoded client message. Fields are read from "data" when present,
// otherwise from the top level.
type inbound struct {
	Type       string
	Token      string
	UserID     string
	FacilityID string
	Query      string
	Filters    map[string]string
	Room       string
}

func parseInbound(raw []byte) (inbound, error) {
	if !gjson.ValidBytes(raw) {
		return inbound{}, ErrInvalidMessage
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return inbound{}, ErrInvalidMessage
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return inbound{}, ErrInvalidMessage
	}

	body := root
	if data := root.Get("data"); data.IsObject() {
		body = data
	}

	in := inbound{
		Type:       typ.Str,
		Token:      body.Get("token").String(),
		UserID:     body.Get("userId").String(),
		FacilityID: body.Get("facilityId").String(),
		Query:      body.Get("query").String(),
		Room:       body.Get("room").String(),
	}
	if filters := body.Get("filters"); filters.IsObject() {
		in.Filters = make(map[string]string)
		filters.ForEach(func(k, v gjson.Result) bool {
			in.Filters[k.String()] = v.String()
			return true
		})
	}
	return in, nil
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rateLimitData struct {
	Operation  string `json:"operation"`
	RetryAfter int    `json:"retryAfter"`
}

type authData struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Verified    bool     `json:"verified"`
}

type subscriptionData struct {
	Kind       registry.SubscriptionKind `json:"kind"`
	Room       string                    `json:"room"`
	FacilityID string                    `json:"facilityId,omitempty"`
	Query      string                    `json:"query,omitempty"`
	Current    any                       `json:"current,omitempty"`
}

type roomData struct {
	Room    string `json:"room"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func reply(kind string, now time.Time, data any) fanout.Message {
	return fanout.Message{Type: kind, Timestamp: now.UTC(), Data: data}
}

// rateLimited builds the payload for a *:rate_limited reply. It reports false when err
// is not a rate limit error.
func rateLimited(err error) (rateLimitData, bool) {
	var rl *registry.RateLimitError
	if !errors.As(err, &rl) {
		return rateLimitData{}, false
	}
	return rateLimitData{
		Operation:  string(rl.Op),
		RetryAfter: int(math.Ceil(rl.RetryAfter.Seconds())),
	}, true
}

// errorCode maps registry and protocol errors to reply codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	case errors.Is(err, ErrMissingField), errors.Is(err, registry.ErrInvalidSubscription):
		return CodeMissingField
	case errors.Is(err, registry.ErrInvalidRoom):
		return CodeInvalidRoom
	case errors.Is(err, registry.ErrRoomForbidden):
		return CodeForbidden
	case errors.Is(err, registry.ErrTooManyRooms):
		return CodeTooManyRooms
	case errors.Is(err, registry.ErrNotMember):
		return CodeNotMember
	case errors.Is(err, registry.ErrConnectionNotFound), errors.Is(err, registry.ErrConnectionClosed):
		return CodeNotFound
	case errors.Is(err, registry.ErrAuthFailed), errors.Is(err, ErrNoVerifier):
		return CodeAuthFailed
	}
	return CodeInternal
}

// errorMessage returns a client-safe description for code.
func errorMessage(code string) string {
	switch code {
	case CodeInvalidMessage:
		return "message must be a JSON object with a string type"
	case CodeUnknownType:
		return "unknown message type"
	case CodeMissingField:
		return "required field is missing or invalid"
	case CodeInvalidRoom:
		return "invalid room name"
	case CodeForbidden:
		return "room cannot be joined directly"
	case CodeTooManyRooms:
		return "room limit reached"
	case CodeNotMember:
		return "not a member of this room"
	case CodeNotFound:
		return "connection is closing"
	case CodeAuthFailed:
		return "authentication failed"
	}
	return "internal error"
}
