package event

import "errors"

var (
	ErrUnknownType      = errors.New("event: unknown event type")
	ErrInvalidPayload   = errors.New("event: invalid payload")
	ErrInvalidPriority  = errors.New("event: invalid priority")
	ErrUnknownPartition = errors.New("event: unknown partition")
	ErrMalformed        = errors.New("event: malformed wire data")
)
