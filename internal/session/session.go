package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/DerWahreMirakulix/metor/internal/history"
	"github.com/DerWahreMirakulix/metor/internal/protocol"
	"github.com/DerWahreMirakulix/metor/internal/transport"
)

// activeSession is the one link bound while Connected.
type activeSession struct {
	id    string
	link  transport.Link
	peer  string
	dir   Direction
	since time.Time
}

func newActiveSession(link transport.Link, peer string, dir Direction) *activeSession {
	return &activeSession{
		id:    uuid.NewString(),
		link:  link,
		peer:  peer,
		dir:   dir,
		since: time.Now(),
	}
}

// bindLocked makes sess the active session and starts its receiver.
func (m *Machine) bindLocked(sess *activeSession) {
	m.active = sess
	m.setStateLocked(StateConnected)

	opened := history.KindIncoming
	if sess.dir == Outbound {
		opened = history.KindOutgoing
	}
	m.recordLocked(opened, sess.dir, sess.peer, "")
	m.recordLocked(history.KindConnected, sess.dir, sess.peer, "")
	m.metrics.ConnectionOpened(sess.dir.String())
	m.emitLocked(Event{Type: EventConnected, Direction: sess.dir, Peer: sess.peer})
	m.log.Info().Str("session", sess.id).Str("peer", sess.peer).Stringer("dir", sess.dir).Msg("connected")

	m.wg.Add(1)
	go m.receiveLoop(sess)
}

// End ends the active session, or aborts the attempt in flight and waits for
// it to settle. It returns NotConnected when there is nothing to end.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.endLocked(m.active, true, "")
		m.mu.Unlock()
		return nil
	case StateDialing:
		att := m.abortLocked()
		m.mu.Unlock()
		select {
		case <-att.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Unlock()
	return ErrNotConnected
}

// endLocked tears sess down. A local teardown notifies the peer first.
func (m *Machine) endLocked(sess *activeSession, local bool, note string) {
	m.setStateLocked(StateEnding)
	if local {
		if err := sess.link.Send(protocol.Disconnect(m.localAddressLocked())); err != nil {
			m.log.Debug().Err(err).Str("peer", sess.peer).Msg("disconnect notice not delivered")
		}
	}
	_ = sess.link.Close()
	m.active = nil

	m.recordLocked(history.KindDisconnected, sess.dir, sess.peer, note)
	m.metrics.ConnectionClosed(sess.dir.String())
	m.emitLocked(Event{Type: EventDisconnected, Direction: sess.dir, Peer: sess.peer, Note: note})
	m.log.Info().Str("session", sess.id).Str("peer", sess.peer).Bool("local", local).Msg("disconnected")
	m.settleLocked()
}

// Send transmits one chat line to the peer.
func (m *Machine) Send(text string) error {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	if err := sess.link.Send(protocol.Chat(text)); err != nil {
		return &Error{Code: ErrCodeTransportFailure, Message: "send failed", Peer: sess.peer, Cause: err}
	}
	m.metrics.MessageSent(len(text))
	return nil
}

func (m *Machine) receiveLoop(sess *activeSession) {
	defer m.wg.Done()

	for {
		msg, err := sess.link.Receive()
		if err != nil {
			note := "connection lost"
			if errors.Is(err, io.EOF) {
				note = "peer closed the connection"
			}
			m.remoteEnded(sess, note)
			return
		}
		switch msg.Type {
		case protocol.TypeChat:
			m.deliver(sess, msg.Body)
		case protocol.TypeDisconnect:
			m.remoteEnded(sess, "peer ended the session")
			return
		default:
			m.log.Debug().Stringer("msg", msg).Msg("ignoring control message")
		}
	}
}

func (m *Machine) deliver(sess *activeSession, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != sess {
		return
	}
	m.metrics.MessageReceived(len(text))
	m.emitLocked(Event{Type: EventMessage, Direction: sess.dir, Peer: sess.peer, Text: text})
}

// remoteEnded ends sess unless it was already torn down locally.
func (m *Machine) remoteEnded(sess *activeSession, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != sess {
		return
	}
	m.endLocked(sess, false, note)
}
