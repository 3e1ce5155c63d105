package session

import "time"

// EventType classifies session events.
type EventType int

const (
	EventStateChanged EventType = iota
	EventConnected
	EventDisconnected
	EventRejected // inbound attempt refused
	EventDialFailed
	EventMessage
	EventHistoryError
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "StateChanged"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventRejected:
		return "Rejected"
	case EventDialFailed:
		return "DialFailed"
	case EventMessage:
		return "Message"
	case EventHistoryError:
		return "HistoryError"
	default:
		return "Unknown"
	}
}

// Event is delivered on Machine.Events. Events are emitted while the state
// lock is held, so their order matches the order of transitions and of the
// history log.
type Event struct {
	Type EventType

	// State is the machine state at the time of the event.
	State State

	Direction Direction
	Peer      string

	// Text is the chat text of an EventMessage.
	Text string

	Note string
	Err  error

	Timestamp time.Time
}

// IsError returns true if this event represents a failure.
func (e Event) IsError() bool {
	return e.Err != nil
}
