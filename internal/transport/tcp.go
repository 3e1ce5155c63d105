package transport

import (
	"context"
	"net"
)

// TCPTransport implements Transport over plain TCP. It carries no anonymity
// and exists for running two instances on one machine without tor.
type TCPTransport struct {
	listenAddr string
	dialer     net.Dialer
}

// NewTCP creates a TCPTransport listening on listenAddr.
func NewTCP(listenAddr string) *TCPTransport {
	return &TCPTransport{listenAddr: listenAddr}
}

func (t *TCPTransport) Listen(ctx context.Context) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln), nil
}

// Dial ignores opts.Anonymous; plain TCP has nothing to hide behind.
func (t *TCPTransport) Dial(ctx context.Context, addr string, _ DialOptions) (Link, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLink(conn), nil
}
