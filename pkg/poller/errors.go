package poller

import "errors"

var (
	ErrQueryFailed     = errors.New("poller: facility query failed")
	ErrStoreFailed     = errors.New("poller: snapshot store failed")
	ErrInvalidSnapshot = errors.New("poller: invalid snapshot")
	ErrNilSource       = errors.New("poller: source is required")
	ErrNilPublisher    = errors.New("poller: publisher is required")
)
