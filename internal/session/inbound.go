package session

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/DerWahreMirakulix/metor/internal/history"
	"github.com/DerWahreMirakulix/metor/internal/protocol"
	"github.com/DerWahreMirakulix/metor/internal/transport"
)

func acceptBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// acceptLoop hands every inbound link to its own admission goroutine.
// Transient accept errors are retried with backoff; a closed listener or a
// cancelled context ends the loop.
func (m *Machine) acceptLoop(ctx context.Context, ln transport.Listener) {
	defer m.wg.Done()
	defer m.listenerStopped(ln)

	for {
		var link transport.Link
		accept := func() error {
			l, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return backoff.Permanent(err)
				}
				return err
			}
			link = l
			return nil
		}
		notify := func(err error, wait time.Duration) {
			m.log.Warn().Err(err).Dur("retry_in", wait).Msg("accept failed")
		}
		if err := backoff.RetryNotify(accept, backoff.WithContext(acceptBackoff(), ctx), notify); err != nil {
			m.log.Debug().Err(err).Msg("accept loop stopped")
			return
		}

		m.wg.Add(1)
		go m.handleInbound(ctx, link)
	}
}

func (m *Machine) listenerStopped(ln transport.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln == ln {
		_ = ln.Close()
		m.ln = nil
		m.stopListen = nil
	}
	if m.state == StateListening {
		m.setStateLocked(StateIdle)
	}
}

// handleInbound reads the dialer's introduction outside the lock, then
// admits or refuses the link under it.
func (m *Machine) handleInbound(ctx context.Context, link transport.Link) {
	defer m.wg.Done()

	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	peer, err := m.readInit(link)
	if err != nil {
		peer = protocol.Anonymous
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.state.AcceptsInbound() {
		m.rejectLocked(link, peer)
		return
	}
	if err != nil {
		// A dialer that stays silent is admitted as anonymous; one that is
		// already gone has nothing to admit.
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			m.log.Debug().Err(err).Str("remote", link.RemoteAddr()).Msg("inbound dropped before handshake")
			_ = link.Close()
			return
		}
		if err := link.SetReadDeadline(time.Time{}); err != nil {
			_ = link.Close()
			return
		}
	}
	if err := link.Send(protocol.Accept(m.localAddressLocked())); err != nil {
		m.log.Warn().Err(err).Str("peer", peer).Msg("inbound peer gone before accept")
		_ = link.Close()
		return
	}
	m.bindLocked(newActiveSession(link, peer, Inbound))
}

// readInit returns the identity announced by the dialer. A first line that
// is not an introduction is treated as an anonymous dialer.
func (m *Machine) readInit(link transport.Link) (string, error) {
	if err := link.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		return "", err
	}
	msg, err := link.Receive()
	if err != nil {
		return "", err
	}
	if err := link.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	if msg.Type != protocol.TypeInit || msg.Body == "" {
		return protocol.Anonymous, nil
	}
	return msg.Body, nil
}

func (m *Machine) rejectLocked(link transport.Link, peer string) {
	note := "busy: " + m.state.String()
	if m.closed {
		note = "shutting down"
	}
	if err := link.Send(protocol.Reject(m.localAddressLocked())); err != nil {
		m.log.Debug().Err(err).Str("peer", peer).Msg("reject notice not delivered")
	}
	_ = link.Close()

	m.recordLocked(history.KindRejected, Inbound, peer, note)
	m.metrics.InboundRejected()
	m.emitLocked(Event{Type: EventRejected, Direction: Inbound, Peer: peer, Note: note})
	m.log.Info().Str("peer", peer).Str("reason", note).Msg("inbound rejected")
}
