// Package statemachine implements small thread-safe finite state machines with
// guards, actions, terminal states and transition listeners.
//
// Machines are built either with New and Options or with the fluent Builder.
// Fire picks the first registered transition for the current state and event whose
// guards pass, runs its actions in order and only then moves to the target state.
// Listeners run after the state change, outside the lock.
package statemachine
