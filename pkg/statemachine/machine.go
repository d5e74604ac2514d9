package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Machine is the in-memory StateMachine implementation.
// Transitions are indexed as [from][event] and evaluated in registration order.
type Machine struct {
	mu          sync.RWMutex
	initial     State
	current     State
	transitions map[string]map[string][]Transition
	terminal    map[string]struct{}
	listeners   []Listener
}

func newMachine(initial State) *Machine {
	return &Machine{
		initial:     initial,
		current:     initial,
		transitions: make(map[string]map[string][]Transition),
		terminal:    make(map[string]struct{}),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AddTransition registers a transition. Several transitions may share from and event;
// the first one whose guards pass wins.
func (m *Machine) AddTransition(from, to State, event Event, guards []Guard, actions []Action) error {
	if from == nil || to == nil || event == nil {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byEvent, ok := m.transitions[from.Name()]
	if !ok {
		byEvent = make(map[string][]Transition)
		m.transitions[from.Name()] = byEvent
	}
	byEvent[event.Name()] = append(byEvent[event.Name()], Transition{
		From:    from,
		To:      to,
		Event:   event,
		Guards:  guards,
		Actions: actions,
	})
	return nil
}

// Fire applies the first eligible transition for event from the current state.
func (m *Machine) Fire(ctx context.Context, event Event, data any) error {
	if event == nil {
		return ErrInvalidEvent
	}

	m.mu.Lock()
	from := m.current
	if _, done := m.terminal[from.Name()]; done {
		m.mu.Unlock()
		return &TerminalStateError{StateName: from.Name(), EventName: event.Name()}
	}

	candidates := m.transitions[from.Name()][event.Name()]
	if len(candidates) == 0 {
		m.mu.Unlock()
		return &NoTransitionError{StateName: from.Name(), EventName: event.Name()}
	}

	t := firstEligible(ctx, candidates, from, event, data)
	if t == nil {
		m.mu.Unlock()
		return &RejectedError{StateName: from.Name(), EventName: event.Name()}
	}

	for _, action := range t.Actions {
		if err := action(ctx, from, t.To, event, data); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("transition %s -> %s: %w", from.Name(), t.To.Name(), err)
		}
	}

	m.current = t.To
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, t.To, event)
	}
	return nil
}

// CanFire reports whether Fire would find an eligible transition. Actions are not run.
func (m *Machine) CanFire(ctx context.Context, event Event, data any) bool {
	if event == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, done := m.terminal[m.current.Name()]; done {
		return false
	}
	return firstEligible(ctx, m.transitions[m.current.Name()][event.Name()], m.current, event, data) != nil
}

// IsTerminal reports whether the current state accepts no further events.
func (m *Machine) IsTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, done := m.terminal[m.current.Name()]
	return done
}

// Reset returns the machine to its initial state.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
	return nil
}

func firstEligible(ctx context.Context, candidates []Transition, from State, event Event, data any) *Transition {
	for i := range candidates {
		if guardsPass(ctx, candidates[i].Guards, from, event, data) {
			return &candidates[i]
		}
	}
	return nil
}

func guardsPass(ctx context.Context, guards []Guard, from State, event Event, data any) bool {
	for _, g := range guards {
		if !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}
