package session

import (
	"fmt"

	"github.com/DerWahreMirakulix/metor/internal/history"
)

// State is the lifecycle state of the single chat session.
type State int

const (
	// StateIdle means no session and no listen posture.
	StateIdle State = iota

	// StateListening means no session; inbound attempts are admitted.
	StateListening

	// StateDialing means one outbound attempt is in flight.
	StateDialing

	// StateConnected means exactly one link is bound to the session.
	StateConnected

	// StateEnding is held only for the duration of a teardown.
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateDialing:
		return "Dialing"
	case StateConnected:
		return "Connected"
	case StateEnding:
		return "Ending"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// AcceptsInbound reports whether an inbound attempt may be admitted.
func (s State) AcceptsInbound() bool {
	return s == StateListening
}

// IsActive reports whether a session or an attempt occupies the machine.
func (s State) IsActive() bool {
	return s == StateDialing || s == StateConnected || s == StateEnding
}

var validTransitions = map[State][]State{
	StateIdle:      {StateListening, StateDialing},
	StateListening: {StateIdle, StateDialing, StateConnected},
	StateDialing:   {StateConnected, StateIdle},
	StateConnected: {StateEnding},
	StateEnding:    {StateIdle},
}

// CanTransitionTo checks if moving from s to target is allowed.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is invalid.
func (s State) ValidateTransition(target State) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("invalid state transition: %s -> %s", s, target)
	}
	return nil
}

// Direction tells which side opened a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

func (d Direction) history() history.Direction {
	if d == Outbound {
		return history.DirOut
	}
	return history.DirIn
}
