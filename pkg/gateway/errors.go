package gateway

import "errors"

var (
	ErrNilRegistry      = errors.New("gateway: registry is nil")
	ErrNoVerifier       = errors.New("gateway: authentication is not configured")
	ErrIdentityMismatch = errors.New("gateway: token subject does not match user id")
	ErrInvalidMessage   = errors.New("gateway: message is not a JSON object")
	ErrUnknownType      = errors.New("gateway: unknown message type")
	ErrMissingField     = errors.New("gateway: required field is missing")
)
