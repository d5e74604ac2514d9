package stream

import "errors"

var (
	ErrGroupNotFound      = errors.New("stream: consumer group not found")
	ErrBackendUnavailable = errors.New("stream: backend unavailable")
	ErrInvalidPartition   = errors.New("stream: invalid partition")
	ErrInvalidEntryID     = errors.New("stream: invalid entry id")
	ErrPublishFailed      = errors.New("stream: publish failed")
	ErrStoreClosed        = errors.New("stream: store closed")
)
