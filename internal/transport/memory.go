package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// MemoryNetwork is an in-process switchboard for tests. Transports created
// from the same network can dial each other by address.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener)}
}

// Transport returns a MemoryTransport that listens on addr.
func (n *MemoryNetwork) Transport(addr string) *MemoryTransport {
	return &MemoryTransport{network: n, addr: addr}
}

// MemoryTransport implements Transport over net.Pipe.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    string

	// BeforeDial, when set, runs at the start of every Dial. Tests use it to
	// hold a dial open or to fail it.
	BeforeDial func(ctx context.Context, addr string) error
}

func (t *MemoryTransport) Listen(ctx context.Context) (Listener, error) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, taken := t.network.listeners[t.addr]; taken {
		return nil, fmt.Errorf("memory transport: %q already listening", t.addr)
	}
	l := &memoryListener{
		network:  t.network,
		addr:     t.addr,
		incoming: make(chan net.Conn),
		closed:   make(chan struct{}),
	}
	t.network.listeners[t.addr] = l
	return l, nil
}

func (t *MemoryTransport) Dial(ctx context.Context, addr string, _ DialOptions) (Link, error) {
	if t.BeforeDial != nil {
		if err := t.BeforeDial(ctx, addr); err != nil {
			return nil, err
		}
	}

	t.network.mu.Lock()
	l, ok := t.network.listeners[addr]
	t.network.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory transport: no listener at %q", addr)
	}

	local, remote := net.Pipe()
	select {
	case l.incoming <- remote:
	case <-l.closed:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("memory transport: listener at %q closed", addr)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
	return newLink(local, addr), nil
}

type memoryListener struct {
	network  *MemoryNetwork
	addr     string
	incoming chan net.Conn
	closed   chan struct{}
	once     sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (Link, error) {
	select {
	case conn := <-l.incoming:
		return newLink(conn, "memory"), nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		l.Close() //nolint:errcheck
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Addr() string { return l.addr }

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		if l.network.listeners[l.addr] == l {
			delete(l.network.listeners, l.addr)
		}
		l.network.mu.Unlock()
	})
	return nil
}
