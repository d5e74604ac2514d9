package broadcast

import "errors"

var (
	ErrHubClosed = errors.New("broadcast: hub is closed")
	ErrEmptyRoom = errors.New("broadcast: room name is empty")
	ErrNilMember = errors.New("broadcast: member is nil")
)
