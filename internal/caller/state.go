package caller

import "fmt"

// SessionState is the lifecycle state of one outbound call.
type SessionState int

const (
	// StateInitiating is from MakeCall until the first provisional response
	StateInitiating SessionState = iota
	// StateRinging is after a provisional response (180/183)
	StateRinging
	// StateConfirmed is after the remote party answered
	StateConfirmed
	// StateMediaReady is once an active audio stream exists
	StateMediaReady
	// StateDisconnected is terminal
	StateDisconnected
)

// String returns the string representation of the state
func (s SessionState) String() string {
	switch s {
	case StateInitiating:
		return "Initiating"
	case StateRinging:
		return "Ringing"
	case StateConfirmed:
		return "Confirmed"
	case StateMediaReady:
		return "MediaReady"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[SessionState][]SessionState{
	StateInitiating:   {StateRinging, StateConfirmed, StateDisconnected},
	StateRinging:      {StateConfirmed, StateDisconnected},
	StateConfirmed:    {StateMediaReady, StateDisconnected},
	StateMediaReady:   {StateDisconnected},
	StateDisconnected: {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s SessionState) IsTerminal() bool {
	return s == StateDisconnected
}
