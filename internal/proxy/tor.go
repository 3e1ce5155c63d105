// Package proxy implements the session transport over Tor.
//
// Outbound links go through tor's SOCKS5 port to <onion>:80. Inbound links
// arrive on the local end of the hidden service mapping
// (HiddenServicePort 80 -> ListenAddr), so listening is plain TCP.
package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	netproxy "golang.org/x/net/proxy"

	"github.com/DerWahreMirakulix/metor/internal/transport"
)

// DefaultVirtualPort is the hidden service port peers dial.
const DefaultVirtualPort = 80

// Transport dials onion addresses through a SOCKS5 proxy.
type Transport struct {
	socksAddr   string
	listenAddr  string
	virtualPort int

	// forward is the dialer used to reach the SOCKS port itself.
	forward netproxy.Dialer
}

// Option configures a Transport.
type Option func(*Transport)

// WithVirtualPort overrides the port dialed on the remote service.
func WithVirtualPort(port int) Option {
	return func(t *Transport) { t.virtualPort = port }
}

// WithForward sets the dialer used to reach the SOCKS port.
func WithForward(d netproxy.Dialer) Option {
	return func(t *Transport) { t.forward = d }
}

// New creates a Transport using the SOCKS5 proxy at socksAddr and listening
// for inbound links on listenAddr.
func New(socksAddr, listenAddr string, opts ...Option) *Transport {
	t := &Transport{
		socksAddr:   socksAddr,
		listenAddr:  listenAddr,
		virtualPort: DefaultVirtualPort,
		forward:     netproxy.Direct,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Listen(ctx context.Context) (transport.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", t.listenAddr, err)
	}
	return transport.NewListener(ln), nil
}

// Dial connects to addr through the proxy. An anonymous dial authenticates
// with fresh random credentials; tor isolates streams with distinct SOCKS
// credentials onto separate circuits (IsolateSOCKSAuth, on by default).
func (t *Transport) Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.Link, error) {
	var auth *netproxy.Auth
	if opts.Anonymous {
		auth = &netproxy.Auth{User: uuid.NewString(), Password: uuid.NewString()}
	}
	d, err := netproxy.SOCKS5("tcp", t.socksAddr, auth, t.forward)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	cd, ok := d.(netproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy: dialer for %s does not support contexts", t.socksAddr)
	}

	conn, err := cd.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(t.virtualPort)))
	if err != nil {
		return nil, fmt.Errorf("proxy: dial %s: %w", addr, err)
	}
	return transport.NewLinkTo(conn, addr), nil
}
