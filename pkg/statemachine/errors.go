package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition: from, to, or event cannot be nil")
	ErrInvalidEvent      = errors.New("invalid event: event cannot be nil")
	ErrInvalidState      = errors.New("invalid state: state cannot be nil")
)

// NoTransitionError reports that no transition is registered for the state and event.
type NoTransitionError struct {
	StateName string
	EventName string
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for event '%s'", e.StateName, e.EventName)
}

// RejectedError reports that every candidate transition was blocked by its guards.
type RejectedError struct {
	StateName string
	EventName string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition from state '%s' for event '%s' was rejected by guards", e.StateName, e.EventName)
}

// TerminalStateError reports an event fired at a machine in a terminal state.
type TerminalStateError struct {
	StateName string
	EventName string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("state '%s' is terminal, event '%s' ignored", e.StateName, e.EventName)
}

// IsNoTransition reports whether err is a NoTransitionError.
func IsNoTransition(err error) bool {
	var e *NoTransitionError
	return errors.As(err, &e)
}

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}

// IsTerminal reports whether err is a TerminalStateError.
func IsTerminal(err error) bool {
	var e *TerminalStateError
	return errors.As(err, &e)
}
