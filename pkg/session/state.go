// Copyright 2024-2026 Aiku AI

package session

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingPairing
	StateOpen
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateOpen:
		return "open"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave the state.
func (s State) Terminal() bool {
	return s == StateLoggedOut
}

// validTransitions lists the edges of the lifecycle state machine.
var validTransitions = map[State][]State{
	StateDisconnected:    {StateConnecting},
	StateConnecting:      {StateAwaitingPairing, StateOpen, StateDisconnected, StateLoggedOut},
	StateAwaitingPairing: {StateOpen, StateDisconnected, StateLoggedOut},
	StateOpen:            {StateDisconnected, StateLoggedOut},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
