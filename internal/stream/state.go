package stream

import (
	"fmt"

	"github.com/xtxerr/streamd/internal/errors"
)

// =============================================================================
// Link state machine
// =============================================================================

// State is the connection state of a sender.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

var errInvalidTransition = errors.New("invalid state transition")

type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	// From Connecting
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	// From Closing
	{StateClosing, StateClosed}: true,
}

// State returns the current state.
func (s *Sender) State() State {
	return State(s.state.Load())
}

// transitionTo moves to newState from whatever the current state is, if
// that transition is allowed.
func (s *Sender) transitionTo(newState State) error {
	for {
		oldState := s.State()
		if !validTransitions[stateTransition{from: oldState, to: newState}] {
			return fmt.Errorf("%w: %s -> %s", errInvalidTransition, oldState, newState)
		}
		if s.state.CompareAndSwap(int32(oldState), int32(newState)) {
			return nil
		}
	}
}

// transitionFrom moves from a specific state to another.
func (s *Sender) transitionFrom(from, to State) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return s.state.CompareAndSwap(int32(from), int32(to))
}
