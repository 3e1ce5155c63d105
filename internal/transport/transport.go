// Package transport defines the link contract the session layer consumes and
// provides implementations for production (TCP) and testing (in-memory).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/DerWahreMirakulix/metor/internal/protocol"
)

// ErrClosed is returned by Accept once the listener has been closed.
var ErrClosed = errors.New("transport: listener closed")

// Link is one established bidirectional message stream to a single peer.
// Send may be called concurrently with Receive; Receive has one reader.
type Link interface {
	Send(m protocol.Message) error

	// Receive blocks for the next message. It returns io.EOF when the peer
	// closes the stream.
	Receive() (protocol.Message, error)

	SetReadDeadline(t time.Time) error

	RemoteAddr() string

	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Listener yields inbound links. Cancelling the context passed to Accept
// closes the listener.
type Listener interface {
	Accept(ctx context.Context) (Link, error)
	Addr() string
	Close() error
}

// DialOptions tune a single outbound dial.
type DialOptions struct {
	// Anonymous asks the transport to route the attempt so that it cannot be
	// correlated with the local identity.
	Anonymous bool
}

// Transport is a factory for listeners and outbound links.
// The session layer uses this interface exclusively so that tests can inject
// an in-memory transport without needing real network sockets.
type Transport interface {
	Listen(ctx context.Context) (Listener, error)
	Dial(ctx context.Context, addr string, opts DialOptions) (Link, error)
}
