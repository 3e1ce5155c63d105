// Package history keeps the durable log of session transitions.
//
// Events are immutable once appended and are read back in append order.
// The store is opened per operation so that `metor history` can read or
// clear the log while a chat is running in another process.
package history

import (
	"fmt"
	"time"
)

// Kind classifies a history event.
type Kind string

const (
	KindIncoming     Kind = "incoming"
	KindOutgoing     Kind = "outgoing"
	KindConnected    Kind = "connected"
	KindRejected     Kind = "rejected"
	KindDisconnected Kind = "disconnected"
)

// Direction records which side opened the connection the event belongs to.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// Event is one persisted transition.
type Event struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Direction Direction `json:"dir"`
	Peer      string    `json:"peer"`
	Note      string    `json:"note,omitempty"`
}

// TimeLayout is the timestamp format of Event.String.
const TimeLayout = "2006-01-02 15:04:05"

// String renders the event as a log line:
//
//	[2024-01-02 15:04:05] out connected abc.onion
func (e Event) String() string {
	s := fmt.Sprintf("[%s] %s %s %s", e.Time.Local().Format(TimeLayout), e.Direction, e.Kind, e.Peer)
	if e.Note != "" {
		s += " (" + e.Note + ")"
	}
	return s
}

// Appender persists events.
type Appender interface {
	Append(ev Event) error
}
