package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/DerWahreMirakulix/metor/internal/protocol"
)

// DefaultWriteTimeout bounds a single Send.
const DefaultWriteTimeout = 5 * time.Second

// connLink implements Link over a net.Conn using the protocol line codec.
type connLink struct {
	conn         net.Conn
	remote       string
	r            *protocol.Reader
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewLink wraps conn. The remote address reported by the link is taken from
// the connection.
func NewLink(conn net.Conn) Link {
	return newLink(conn, conn.RemoteAddr().String())
}

// NewLinkTo wraps conn and reports remote as its peer. Proxied connections
// use it to report the dialed address instead of the proxy's.
func NewLinkTo(conn net.Conn, remote string) Link {
	return newLink(conn, remote)
}

func newLink(conn net.Conn, remote string) *connLink {
	return &connLink{
		conn:         conn,
		remote:       remote,
		r:            protocol.NewReader(conn),
		writeTimeout: DefaultWriteTimeout,
	}
}

func (l *connLink) Send(m protocol.Message) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.writeTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)) //nolint:errcheck
	}
	return protocol.WriteMessage(l.conn, m)
}

func (l *connLink) Receive() (protocol.Message, error) {
	return l.r.ReadMessage()
}

func (l *connLink) SetReadDeadline(t time.Time) error {
	return l.conn.SetReadDeadline(t)
}

func (l *connLink) RemoteAddr() string { return l.remote }

func (l *connLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// netListener adapts a net.Listener to Listener.
type netListener struct {
	ln net.Listener
}

// NewListener wraps ln.
func NewListener(ln net.Listener) Listener {
	return &netListener{ln: ln}
}

func (l *netListener) Accept(ctx context.Context) (Link, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewLink(conn), nil
}

func (l *netListener) Addr() string { return l.ln.Addr().String() }

func (l *netListener) Close() error { return l.ln.Close() }
