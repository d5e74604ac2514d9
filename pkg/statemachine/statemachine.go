package statemachine

import "context"

// State is a named node of a state machine.
type State interface {
	Name() string
}

// Event is a named trigger of a transition.
type Event interface {
	Name() string
}

// Action runs during a transition, before the state changes. An error aborts the transition.
type Action func(ctx context.Context, from, to State, event Event, data any) error

// Guard decides at fire time whether a transition may proceed.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Listener observes completed transitions.
type Listener func(from, to State, event Event)

// Transition is a state change triggered by an event.
type Transition struct {
	From    State
	To      State
	Event   Event
	Guards  []Guard
	Actions []Action
}

// StateMachine is a finite state machine safe for concurrent use.
type StateMachine interface {
	Current() State
	AddTransition(from, to State, event Event, guards []Guard, actions []Action) error
	Fire(ctx context.Context, event Event, data any) error
	CanFire(ctx context.Context, event Event, data any) bool
	IsTerminal() bool
	Reset() error
}

// StringState is a State backed by a string.
type StringState string

func (s StringState) Name() string { return string(s) }

// StringEvent is an Event backed by a string.
type StringEvent string

func (e StringEvent) Name() string { return string(e) }
