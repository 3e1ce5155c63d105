// Package session owns the lifecycle of the single chat session: the listen
// posture, the one outbound attempt, the one bound link, and the policy that
// arbitrates between them.
//
// All transitions happen under one mutex. The history append and the event
// emission for a transition happen under the same lock, so the history log,
// the event stream and the observable state always agree on ordering.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DerWahreMirakulix/metor/internal/history"
	"github.com/DerWahreMirakulix/metor/internal/transport"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultEventBuffer      = 256
)

// AddressProvider supplies the local service address.
type AddressProvider interface {
	// Address returns the current address.
	Address() (string, error)

	// Generate replaces the address with a fresh one.
	Generate(ctx context.Context) (string, error)
}

// Config holds the collaborators of a Machine.
type Config struct {
	Addresses AddressProvider

	// Transport may be nil for a machine that only generates addresses.
	Transport transport.Transport

	// History receives one event per logged transition. Nil disables history.
	History history.Appender

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// Metrics defaults to NopMetrics.
	Metrics Metrics

	// Resolve normalises and validates a connect target. The default trims
	// surrounding whitespace and rejects empty targets.
	Resolve func(target string) (string, error)

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// Attempt is the one outbound connection attempt in flight.
type Attempt struct {
	ID        string
	Direction Direction
	Peer      string
	Anonymous bool
	CreatedAt time.Time

	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}
}

// Status is a snapshot of the machine.
type Status struct {
	State     State
	Peer      string
	Direction Direction
	SessionID string
	Since     time.Time

	// Attempt is set while Dialing.
	Attempt *Attempt
}

// Machine is the session state machine. Create it with New, arm the listen
// posture with Start and release it with Close.
type Machine struct {
	cfg     Config
	log     zerolog.Logger
	metrics Metrics
	history *history.Recorder
	events  chan Event

	mu           sync.Mutex
	state        State
	attempt      *Attempt
	active       *activeSession
	ln           transport.Listener
	stopListen   context.CancelFunc
	closed       bool
	eventsClosed bool

	wg sync.WaitGroup
}

var errNoTransport = NewError(ErrCodeTransportFailure, "no transport configured")

// New creates a Machine in StateIdle.
func New(cfg Config) (*Machine, error) {
	if cfg.Addresses == nil {
		return nil, errors.New("session: address provider is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Resolve == nil {
		cfg.Resolve = resolveTrimmed
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "session").Logger()
	}

	m := &Machine{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		events:  make(chan Event, cfg.EventBuffer),
	}
	// Record is only ever called with mu held, so the callback may emit.
	m.history = history.NewRecorder(cfg.History, log, func(err error) {
		m.emitLocked(Event{
			Type: EventHistoryError,
			Err:  NewErrorWithCause(ErrCodeHistoryIO, "history unavailable, continuing without it", err),
		})
	})
	return m, nil
}

// Events returns the event stream. It is closed by Close.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the current state and session.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state}
	if m.active != nil {
		st.Peer = m.active.peer
		st.Direction = m.active.dir
		st.SessionID = m.active.id
		st.Since = m.active.since
	}
	if m.attempt != nil {
		a := *m.attempt
		st.Attempt = &a
		st.Peer = a.Peer
		st.Direction = a.Direction
	}
	return st
}

// LocalAddress returns the provider's current address.
func (m *Machine) LocalAddress() (string, error) {
	return m.cfg.Addresses.Address()
}

// Start arms the listen posture. The machine moves to Listening and stays
// there whenever no session or attempt occupies it. Start is a no-op if the
// posture is already armed. Cancelling ctx disarms it.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.ln != nil {
		return nil
	}
	if m.cfg.Transport == nil {
		return errNoTransport
	}

	ln, err := m.cfg.Transport.Listen(ctx)
	if err != nil {
		return NewErrorWithCause(ErrCodeTransportFailure, "listen failed", err)
	}
	lctx, cancel := context.WithCancel(ctx)
	m.ln = ln
	m.stopListen = cancel
	if m.state == StateIdle {
		m.setStateLocked(StateListening)
	}

	m.wg.Add(1)
	go m.acceptLoop(lctx, ln)

	m.log.Info().Str("addr", ln.Addr()).Msg("listening")
	return nil
}

// GenerateAddress asks the provider for a fresh address. It fails with
// SessionActive unless the machine is Idle; the lock is held throughout so
// nothing can start meanwhile.
func (m *Machine) GenerateAddress(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return "", NewError(ErrCodeSessionActive, fmt.Sprintf("cannot generate an address while %s", m.state))
	}
	addr, err := m.cfg.Addresses.Generate(ctx)
	if err != nil {
		return "", fmt.Errorf("session: generate address: %w", err)
	}
	m.log.Info().Str("addr", addr).Msg("address generated")
	return addr, nil
}

// Close disarms the listen posture, ends the session or aborts the attempt,
// and waits for every goroutine of the machine to return. The event stream
// is closed afterwards. The final state is Idle.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.stopListen != nil {
		m.stopListen()
	}
	if m.ln != nil {
		_ = m.ln.Close()
		m.ln = nil
	}
	switch m.state {
	case StateConnected:
		m.endLocked(m.active, true, "")
	case StateDialing:
		m.abortLocked()
	case StateListening:
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("session: close: %w", ctx.Err())
	}

	m.mu.Lock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events)
	}
	m.mu.Unlock()
	return err
}

// setStateLocked moves the machine to s and emits StateChanged.
func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	if err := m.state.ValidateTransition(s); err != nil {
		m.log.Error().Err(err).Msg("unexpected transition")
	}
	m.log.Debug().Stringer("from", m.state).Stringer("to", s).Msg("state")
	m.state = s
	m.metrics.StateChanged(s.String())
	m.emitLocked(Event{Type: EventStateChanged})
}

// settleLocked returns to Idle and re-arms Listening if the posture is armed.
func (m *Machine) settleLocked() {
	m.setStateLocked(StateIdle)
	if m.ln != nil && !m.closed {
		m.setStateLocked(StateListening)
	}
}

// emitLocked delivers ev without blocking. A consumer that falls behind
// loses events rather than stalling the machine.
func (m *Machine) emitLocked(ev Event) {
	if m.eventsClosed {
		return
	}
	ev.State = m.state
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		m.metrics.EventDropped()
		m.log.Warn().Stringer("event", ev.Type).Msg("event dropped, consumer too slow")
	}
}

func (m *Machine) recordLocked(kind history.Kind, dir Direction, peer, note string) {
	m.history.Record(history.Event{
		Time:      time.Now(),
		Kind:      kind,
		Direction: dir.history(),
		Peer:      peer,
		Note:      note,
	})
}

// localAddressLocked returns the local address for notices. An unknown
// address is sent as an empty body.
func (m *Machine) localAddressLocked() string {
	addr, err := m.cfg.Addresses.Address()
	if err != nil {
		m.log.Warn().Err(err).Msg("local address unavailable")
		return ""
	}
	return addr
}
