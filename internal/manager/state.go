package manager

import (
	"fmt"
	"slices"
)

// State is a session's position in the connection lifecycle.
type State string

const (
	// StateInitializing covers the span from transport creation until
	// pairing/connect completes. Pairing codes are only present here.
	StateInitializing State = "Initializing"
	StateConnected    State = "Connected"
	StateDisconnected State = "Disconnected"
	StateFailure      State = "Failure"
)

// validTransitions defines allowed state transitions. Initializing loops
// on itself: the transport may issue a fresh pairing code more than once
// before pairing completes. Disconnected and Failure are terminal for a
// Session value; reconnecting builds a new Session.
var validTransitions = map[State][]State{
	StateInitializing: {StateInitializing, StateConnected, StateDisconnected, StateFailure},
	StateConnected:    {StateDisconnected, StateFailure},
	StateDisconnected: {},
	StateFailure:      {},
}

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
