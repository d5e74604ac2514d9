package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectionNotFound  = errors.New("registry: connection not found")
	ErrConnectionClosed    = errors.New("registry: connection is closing")
	ErrRateLimited         = errors.New("registry: rate limited")
	ErrAuthFailed          = errors.New("registry: authentication failed")
	ErrInvalidRoom         = errors.New("registry: invalid room")
	ErrRoomForbidden       = errors.New("registry: room requires privileges")
	ErrTooManyRooms        = errors.New("registry: room limit reached")
	ErrNotMember           = errors.New("registry: not a member of room")
	ErrInvalidSubscription = errors.New("registry: invalid subscription")
	ErrNilSender           = errors.New("registry: sender is nil")
)

// RateLimitError carries the limited operation and when it may be retried.
// It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	Op         Operation
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("registry: %s rate limited, retry after %s", e.Op, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
