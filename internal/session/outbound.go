package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DerWahreMirakulix/metor/internal/history"
	"github.com/DerWahreMirakulix/metor/internal/protocol"
	"github.com/DerWahreMirakulix/metor/internal/transport"
)

func resolveTrimmed(target string) (string, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return "", errors.New("empty address")
	}
	return t, nil
}

// Connect dials target and blocks until the attempt resolves. It fails with
// InvalidTarget for an unusable or local target and with AlreadyActive
// while dialing or connected, leaving the state unchanged in both cases.
// A failed or aborted handshake returns TransportFailure and settles the
// machine back to Idle (re-armed to Listening).
//
// With anonymous set the dialer introduces itself as "anonymous" instead of
// its own address.
func (m *Machine) Connect(ctx context.Context, target string, anonymous bool) error {
	peer, err := m.cfg.Resolve(target)
	if err != nil {
		return &Error{Code: ErrCodeInvalidTarget, Message: "invalid address", Peer: target, Cause: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	local := m.localAddressLocked()
	if local != "" && peer == local {
		m.mu.Unlock()
		return &Error{Code: ErrCodeInvalidTarget, Message: "invalid target", Peer: peer, Cause: ErrSelfConnect}
	}
	if m.cfg.Transport == nil {
		m.mu.Unlock()
		return errNoTransport
	}
	if m.state.IsActive() {
		busy := m.busyPeerLocked()
		state := m.state
		m.mu.Unlock()
		return NewPeerError(ErrCodeAlreadyActive, "already "+strings.ToLower(state.String()), busy)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	att := &Attempt{
		ID:        uuid.NewString(),
		Direction: Outbound,
		Peer:      peer,
		Anonymous: anonymous,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.attempt = att
	m.setStateLocked(StateDialing)
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	defer close(att.done)
	defer cancel()

	m.log.Info().Str("attempt", att.ID).Str("peer", peer).Bool("anonymous", anonymous).Msg("dialing")

	identity := local
	if anonymous {
		identity = protocol.Anonymous
	}
	link, err := m.handshake(dialCtx, peer, identity, anonymous)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = nil

	if err == nil && (att.aborted || m.closed) {
		_ = link.Send(protocol.Disconnect(local))
		_ = link.Close()
		err = ErrAborted
	}
	if err != nil {
		if att.aborted {
			err = ErrAborted
		}
		note := err.Error()
		m.recordLocked(history.KindRejected, Outbound, peer, note)
		m.metrics.ConnectionAttempt("failure")
		m.settleLocked()
		m.emitLocked(Event{Type: EventDialFailed, Direction: Outbound, Peer: peer, Note: note, Err: err})
		m.log.Info().Str("attempt", att.ID).Str("peer", peer).Err(err).Msg("connection failed")
		return &Error{Code: ErrCodeTransportFailure, Message: "connection failed", Peer: peer, Cause: err}
	}

	m.metrics.ConnectionAttempt("success")
	sess := newActiveSession(link, peer, Outbound)
	sess.id = att.ID
	m.bindLocked(sess)
	return nil
}

// handshake dials peer, introduces the local side and waits for the
// acceptor's verdict. The returned link has no read deadline.
func (m *Machine) handshake(ctx context.Context, peer, identity string, anonymous bool) (transport.Link, error) {
	link, err := m.cfg.Transport.Dial(ctx, peer, transport.DialOptions{Anonymous: anonymous})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	fail := func(err error) (transport.Link, error) {
		stop()
		_ = link.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("handshake: %w", ctx.Err())
		}
		return nil, err
	}

	if err := link.Send(protocol.Init(identity)); err != nil {
		return fail(fmt.Errorf("handshake: %w", err))
	}
	if err := link.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		return fail(fmt.Errorf("handshake: %w", err))
	}
	reply, err := link.Receive()
	if err != nil {
		return fail(fmt.Errorf("handshake: %w", err))
	}
	switch reply.Type {
	case protocol.TypeAccept:
	case protocol.TypeReject:
		return fail(ErrPeerRejected)
	default:
		return fail(fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type))
	}

	if !stop() {
		_ = link.Close()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
	if err := link.SetReadDeadline(time.Time{}); err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return link, nil
}

// abortLocked cancels the attempt in flight. Connect observes the abort
// when it re-takes the lock and settles the machine itself.
func (m *Machine) abortLocked() *Attempt {
	att := m.attempt
	att.aborted = true
	att.cancel()
	m.log.Info().Str("attempt", att.ID).Msg("aborting connection attempt")
	return att
}

func (m *Machine) busyPeerLocked() string {
	if m.active != nil {
		return m.active.peer
	}
	if m.attempt != nil {
		return m.attempt.Peer
	}
	return ""
}
