package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DerWahreMirakulix/metor/internal/history"
	"github.com/DerWahreMirakulix/metor/internal/protocol"
	"github.com/DerWahreMirakulix/metor/internal/transport"
)

type staticAddress struct {
	mu        sync.Mutex
	addr      string
	generated int
}

func (s *staticAddress) Address() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr, nil
}

func (s *staticAddress) Generate(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated++
	s.addr = fmt.Sprintf("%s-%d", s.addr, s.generated)
	return s.addr, nil
}

type memHistory struct {
	mu     sync.Mutex
	events []history.Event
	fail   bool
}

func (h *memHistory) Append(ev history.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("disk full")
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *memHistory) all() []history.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]history.Event(nil), h.events...)
}

func (h *memHistory) kinds() []history.Kind {
	var kinds []history.Kind
	for _, ev := range h.all() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type peer struct {
	m    *Machine
	addr string
	tr   *transport.MemoryTransport
	hist *memHistory
}

func newPeer(t *testing.T, network *transport.MemoryNetwork, addr string, opts ...func(*Config)) *peer {
	t.Helper()

	p := &peer{addr: addr, tr: network.Transport(addr), hist: &memHistory{}}
	cfg := Config{
		Addresses:        &staticAddress{addr: addr},
		Transport:        p.tr,
		History:          p.hist,
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	p.m = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Close(ctx))
	})
	return p
}

func startedPeer(t *testing.T, network *transport.MemoryNetwork, addr string, opts ...func(*Config)) *peer {
	t.Helper()
	p := newPeer(t, network, addr, opts...)
	require.NoError(t, p.m.Start(context.Background()))
	require.Equal(t, StateListening, p.m.State())
	return p
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}

func waitEvent(t *testing.T, m *Machine, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func drainEvents(m *Machine) {
	for {
		select {
		case <-m.Events():
		default:
			return
		}
	}
}

func blockDial(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestConnectAndAccept(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	b := startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	assert.Equal(t, StateConnected, a.m.State())
	waitState(t, b.m, StateConnected)

	assert.Equal(t, []history.Kind{history.KindOutgoing, history.KindConnected}, a.hist.kinds())
	for _, ev := range a.hist.all() {
		assert.Equal(t, history.DirOut, ev.Direction)
		assert.Equal(t, "peer-b", ev.Peer)
	}

	require.Eventually(t, func() bool { return len(b.hist.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []history.Kind{history.KindIncoming, history.KindConnected}, b.hist.kinds())
	for _, ev := range b.hist.all() {
		assert.Equal(t, history.DirIn, ev.Direction)
		assert.Equal(t, "peer-a", ev.Peer)
	}

	st := a.m.Status()
	assert.Equal(t, "peer-b", st.Peer)
	assert.Equal(t, Outbound, st.Direction)
	assert.NotEmpty(t, st.SessionID)
}

func TestAnonymousConnectHidesAddress(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	b := startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", true))
	waitState(t, b.m, StateConnected)

	assert.Equal(t, protocol.Anonymous, b.m.Status().Peer)
}

func TestEndReturnsToListening(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	b := startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	waitState(t, b.m, StateConnected)

	require.NoError(t, a.m.End(context.Background()))
	assert.Equal(t, StateListening, a.m.State())
	waitState(t, b.m, StateListening)

	assert.Equal(t, []history.Kind{history.KindOutgoing, history.KindConnected, history.KindDisconnected}, a.hist.kinds())
	require.Eventually(t, func() bool { return len(b.hist.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	bEvents := b.hist.all()
	assert.Equal(t, history.KindDisconnected, bEvents[2].Kind)
	assert.Equal(t, "peer ended the session", bEvents[2].Note)

	// The re-armed posture admits the next peer.
	require.NoError(t, b.m.Connect(context.Background(), "peer-a", false))
	waitState(t, a.m, StateConnected)
}

func TestEndWithoutSession(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")

	err := a.m.End(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateListening, a.m.State())
}

func TestInboundRejectedWhileConnected(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	b := startedPeer(t, network, "peer-b")
	c := startedPeer(t, network, "peer-c")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))

	err := c.m.Connect(context.Background(), "peer-a", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, ErrPeerRejected)
	assert.Equal(t, StateListening, c.m.State())

	// A keeps its session with B.
	assert.Equal(t, StateConnected, a.m.State())
	assert.Equal(t, "peer-b", a.m.Status().Peer)

	require.Eventually(t, func() bool { return len(a.hist.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	aEvents := a.hist.all()
	assert.Equal(t, history.KindRejected, aEvents[2].Kind)
	assert.Equal(t, history.DirIn, aEvents[2].Direction)
	assert.Equal(t, "peer-c", aEvents[2].Peer)
	assert.Equal(t, "busy: Connected", aEvents[2].Note)

	cEvents := c.hist.all()
	require.Len(t, cEvents, 1)
	assert.Equal(t, history.KindRejected, cEvents[0].Kind)
	assert.Equal(t, history.DirOut, cEvents[0].Direction)
	assert.Equal(t, ErrPeerRejected.Error(), cEvents[0].Note)

	waitState(t, b.m, StateConnected)
	require.NoError(t, a.m.End(context.Background()))
	require.NoError(t, c.m.Connect(context.Background(), "peer-a", false))
}

func TestConnectWhileConnected(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	startedPeer(t, network, "peer-b")
	startedPeer(t, network, "peer-c")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	before := len(a.hist.all())

	err := a.m.Connect(context.Background(), "peer-c", false)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, ErrCodeAlreadyActive, CodeOf(err))
	assert.Equal(t, StateConnected, a.m.State())
	assert.Equal(t, "peer-b", a.m.Status().Peer)
	assert.Len(t, a.hist.all(), before)
}

func TestSelfConnect(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	drainEvents(a.m)

	err := a.m.Connect(context.Background(), " peer-a ", false)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.ErrorIs(t, err, ErrSelfConnect)
	assert.Equal(t, StateListening, a.m.State())
	assert.Empty(t, a.hist.all())

	select {
	case ev := <-a.m.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestConnectInvalidTarget(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a", func(cfg *Config) {
		cfg.Resolve = func(string) (string, error) { return "", errors.New("not an onion address") }
	})

	err := a.m.Connect(context.Background(), "example.com", false)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, StateListening, a.m.State())
	assert.Empty(t, a.hist.all())
}

func TestConnectUnreachable(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")

	err := a.m.Connect(context.Background(), "nobody", false)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, StateListening, a.m.State())

	events := a.hist.all()
	require.Len(t, events, 1)
	assert.Equal(t, history.KindRejected, events[0].Kind)
	assert.Equal(t, history.DirOut, events[0].Direction)
	assert.Contains(t, events[0].Note, "no listener")
}

func TestDialTimeout(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a", func(cfg *Config) {
		cfg.DialTimeout = 50 * time.Millisecond
	})
	a.tr.BeforeDial = blockDial

	err := a.m.Connect(context.Background(), "peer-b", false)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateListening, a.m.State())
}

func TestEndAbortsDial(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	a.tr.BeforeDial = blockDial

	result := make(chan error, 1)
	go func() { result <- a.m.Connect(context.Background(), "peer-b", false) }()
	waitState(t, a.m, StateDialing)

	st := a.m.Status()
	require.NotNil(t, st.Attempt)
	assert.Equal(t, "peer-b", st.Attempt.Peer)
	assert.NotEmpty(t, st.Attempt.ID)

	require.NoError(t, a.m.End(context.Background()))
	assert.Equal(t, StateListening, a.m.State())

	err := <-result
	assert.ErrorIs(t, err, ErrAborted)

	events := a.hist.all()
	require.Len(t, events, 1)
	assert.Equal(t, history.KindRejected, events[0].Kind)
	assert.Equal(t, ErrAborted.Error(), events[0].Note)
}

func TestInboundRejectedWhileDialing(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	c := startedPeer(t, network, "peer-c")
	a.tr.BeforeDial = blockDial

	go func() { _ = a.m.Connect(context.Background(), "peer-b", false) }()
	waitState(t, a.m, StateDialing)

	err := c.m.Connect(context.Background(), "peer-a", false)
	assert.ErrorIs(t, err, ErrPeerRejected)
	assert.Equal(t, StateDialing, a.m.State())

	require.Eventually(t, func() bool { return len(a.hist.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	events := a.hist.all()
	assert.Equal(t, "busy: Dialing", events[0].Note)
}

func TestCrossedConnectsNeverDoubleConnect(t *testing.T) {
	for i := 0; i < 20; i++ {
		network := transport.NewMemoryNetwork()
		a := startedPeer(t, network, "peer-a")
		b := startedPeer(t, network, "peer-b")

		var wg sync.WaitGroup
		var errA, errB error
		wg.Add(2)
		go func() { defer wg.Done(); errA = a.m.Connect(context.Background(), "peer-b", false) }()
		go func() { defer wg.Done(); errB = b.m.Connect(context.Background(), "peer-a", false) }()
		wg.Wait()

		assert.False(t, errA == nil && errB == nil, "both connects succeeded")
		for _, err := range []error{errA, errB} {
			if err != nil {
				code := CodeOf(err)
				assert.True(t, code == ErrCodeAlreadyActive || code == ErrCodeTransportFailure, "unexpected %v", err)
			}
		}

		if errA == nil || errB == nil {
			waitState(t, a.m, StateConnected)
			waitState(t, b.m, StateConnected)
		} else {
			waitState(t, a.m, StateListening)
			waitState(t, b.m, StateListening)
		}
	}
}

func TestMessages(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	b := startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	waitState(t, b.m, StateConnected)

	require.NoError(t, a.m.Send("hello"))
	ev := waitEvent(t, b.m, EventMessage)
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, "peer-a", ev.Peer)

	require.NoError(t, b.m.Send("/end is a command"))
	ev = waitEvent(t, a.m, EventMessage)
	assert.Equal(t, "/end is a command", ev.Text)
	assert.Equal(t, StateConnected, a.m.State())
}

func TestSendWithoutSession(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")

	assert.ErrorIs(t, a.m.Send("hello"), ErrNotConnected)
}

func TestInboundWithoutInitIsAnonymous(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")

	link, err := network.Transport("raw").Dial(context.Background(), "peer-a", transport.DialOptions{})
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, link.Send(protocol.Chat("hi there")))
	reply, err := link.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAccept, reply.Type)
	assert.Equal(t, "peer-a", reply.Body)

	waitState(t, a.m, StateConnected)
	assert.Equal(t, protocol.Anonymous, a.m.Status().Peer)
}

func TestSilentInboundAdmittedAsAnonymous(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a", func(cfg *Config) {
		cfg.HandshakeTimeout = 50 * time.Millisecond
	})

	link, err := network.Transport("raw").Dial(context.Background(), "peer-a", transport.DialOptions{})
	require.NoError(t, err)
	defer link.Close()

	reply, err := link.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAccept, reply.Type)

	waitState(t, a.m, StateConnected)
	assert.Equal(t, protocol.Anonymous, a.m.Status().Peer)
	assert.Equal(t, []history.Kind{history.KindIncoming, history.KindConnected}, a.hist.kinds())

	require.NoError(t, link.Send(protocol.Chat("late hello")))
	ev := waitEvent(t, a.m, EventMessage)
	assert.Equal(t, "late hello", ev.Text)
}

func TestSilentInboundRejectedWhileConnected(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a", func(cfg *Config) {
		cfg.HandshakeTimeout = 50 * time.Millisecond
	})
	startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))

	link, err := network.Transport("raw").Dial(context.Background(), "peer-a", transport.DialOptions{})
	require.NoError(t, err)
	defer link.Close()

	reply, err := link.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeReject, reply.Type)
	assert.Equal(t, "peer-a", reply.Body)

	require.Eventually(t, func() bool { return len(a.hist.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	rejected := a.hist.all()[2]
	assert.Equal(t, history.KindRejected, rejected.Kind)
	assert.Equal(t, history.DirIn, rejected.Direction)
	assert.Equal(t, protocol.Anonymous, rejected.Peer)
	assert.Equal(t, "busy: Connected", rejected.Note)

	assert.Equal(t, StateConnected, a.m.State())
	assert.Equal(t, "peer-b", a.m.Status().Peer)
}

func TestInboundClosedBeforeInitDropped(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")

	link, err := network.Transport("raw").Dial(context.Background(), "peer-a", transport.DialOptions{})
	require.NoError(t, err)
	require.NoError(t, link.Close())

	assert.Never(t, func() bool { return len(a.hist.all()) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateListening, a.m.State())
}

func TestHistoryFailureIsReportedOnce(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	startedPeer(t, network, "peer-b")
	a.hist.fail = true

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	require.NoError(t, a.m.End(context.Background()))
	assert.Equal(t, StateListening, a.m.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.m.Close(ctx))

	var reported int
	for ev := range a.m.Events() {
		if ev.Type == EventHistoryError {
			reported++
			assert.ErrorIs(t, ev.Err, ErrHistoryIO)
		}
	}
	assert.Equal(t, 1, reported)
	assert.Equal(t, uint64(3), a.m.history.Failures())
}

func TestGenerateAddress(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newPeer(t, network, "peer-a")

	addr, err := a.m.GenerateAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "peer-a-1", addr)

	require.NoError(t, a.m.Start(context.Background()))
	_, err = a.m.GenerateAddress(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestStartTwice(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")

	require.NoError(t, a.m.Start(context.Background()))
	assert.Equal(t, StateListening, a.m.State())
}

func TestListenerContextDisarms(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newPeer(t, network, "peer-a")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.m.Start(ctx))
	cancel()
	waitState(t, a.m, StateIdle)
}

func TestCloseWhileConnected(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	b := startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	waitState(t, b.m, StateConnected)

	require.NoError(t, a.m.Close(context.Background()))
	assert.Equal(t, StateIdle, a.m.State())
	waitState(t, b.m, StateListening)

	assert.Equal(t, history.KindDisconnected, a.hist.kinds()[2])
	assert.ErrorIs(t, a.m.Connect(context.Background(), "peer-b", false), ErrClosed)
	assert.ErrorIs(t, a.m.Start(context.Background()), ErrClosed)
}

func TestCloseWhileDialing(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	a.tr.BeforeDial = blockDial

	result := make(chan error, 1)
	go func() { result <- a.m.Connect(context.Background(), "peer-b", false) }()
	waitState(t, a.m, StateDialing)

	require.NoError(t, a.m.Close(context.Background()))
	assert.Equal(t, StateIdle, a.m.State())
	assert.ErrorIs(t, <-result, ErrAborted)
}

func TestEventsFollowTransitions(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startedPeer(t, network, "peer-a")
	startedPeer(t, network, "peer-b")

	require.NoError(t, a.m.Connect(context.Background(), "peer-b", false))
	require.NoError(t, a.m.End(context.Background()))
	require.NoError(t, a.m.Close(context.Background()))

	var got []string
	for ev := range a.m.Events() {
		got = append(got, ev.Type.String()+":"+ev.State.String())
	}
	assert.Equal(t, []string{
		"StateChanged:Listening",
		"StateChanged:Dialing",
		"StateChanged:Connected",
		"Connected:Connected",
		"StateChanged:Ending",
		"Disconnected:Ending",
		"StateChanged:Idle",
		"StateChanged:Listening",
		"StateChanged:Idle",
	}, got)
}

func TestMachineWithoutTransport(t *testing.T) {
	m, err := New(Config{Addresses: &staticAddress{addr: "peer-a"}})
	require.NoError(t, err)

	addr, err := m.GenerateAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "peer-a-1", addr)

	assert.ErrorIs(t, m.Start(context.Background()), ErrTransportFailure)
	assert.ErrorIs(t, m.Connect(context.Background(), "peer-b", false), ErrTransportFailure)
	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Close(context.Background()))
}

func TestNewRequiresAddresses(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
