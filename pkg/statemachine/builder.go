package statemachine

import "errors"

// Builder assembles a Machine with a fluent API. Errors are collected and reported by Build.
//
//	sm, err := statemachine.NewBuilder(Connecting).
//		From(Connecting).When(Accept).To(Connected).Add().
//		Terminal(Disconnected).
//		Build()
type Builder struct {
	initial State
	opts    []Option
	pending Transition
	errs    []error
}

// NewBuilder starts a builder for a machine in initial.
func NewBuilder(initial State) *Builder {
	return &Builder{initial: initial}
}

// From starts a new transition.
func (b *Builder) From(s State) *Builder {
	b.pending = Transition{From: s}
	return b
}

// When sets the triggering event of the pending transition.
func (b *Builder) When(e Event) *Builder {
	b.pending.Event = e
	return b
}

// To sets the target state of the pending transition.
func (b *Builder) To(s State) *Builder {
	b.pending.To = s
	return b
}

// Guard adds a guard to the pending transition.
func (b *Builder) Guard(g Guard) *Builder {
	if g != nil {
		b.pending.Guards = append(b.pending.Guards, g)
	}
	return b
}

// Action adds an action to the pending transition.
func (b *Builder) Action(a Action) *Builder {
	if a != nil {
		b.pending.Actions = append(b.pending.Actions, a)
	}
	return b
}

// Add commits the pending transition.
func (b *Builder) Add() *Builder {
	t := b.pending
	if t.From == nil || t.To == nil || t.Event == nil {
		b.errs = append(b.errs, ErrInvalidTransition)
	} else {
		b.opts = append(b.opts, func(m *Machine) error {
			return m.AddTransition(t.From, t.To, t.Event, t.Guards, t.Actions)
		})
	}
	b.pending = Transition{}
	return b
}

// Terminal marks states that accept no further events.
func (b *Builder) Terminal(states ...State) *Builder {
	b.opts = append(b.opts, WithTerminal(states...))
	return b
}

// OnTransition registers a listener.
func (b *Builder) OnTransition(l Listener) *Builder {
	b.opts = append(b.opts, WithListener(l))
	return b
}

// Build returns the machine or every error collected while building.
func (b *Builder) Build() (*Machine, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return New(b.initial, b.opts...)
}
