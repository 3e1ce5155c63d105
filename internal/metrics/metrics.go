// Package metrics provides a Prometheus implementation of session.Metrics.
//
// # Metric Names
//
//	metor_state{state="<state>"}                       1 for the current state
//	metor_state_transitions_total{state="<state>"}
//	metor_connection_attempts_total{result="success|failure"}
//	metor_connections_opened_total{direction="inbound|outbound"}
//	metor_connections_closed_total{direction="inbound|outbound"}
//	metor_inbound_rejected_total
//	metor_messages_sent_total
//	metor_messages_received_total
//	metor_bytes_sent_total
//	metor_bytes_received_total
//	metor_events_dropped_total
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DerWahreMirakulix/metor/internal/session"
)

// DefaultNamespace is the namespace used when none is given.
const DefaultNamespace = "metor"

var states = []session.State{
	session.StateIdle,
	session.StateListening,
	session.StateDialing,
	session.StateConnected,
	session.StateEnding,
}

// Metrics implements session.Metrics. It is safe for concurrent use.
type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec

	connectionAttempts *prometheus.CounterVec
	connectionsOpened  *prometheus.CounterVec
	connectionsClosed  *prometheus.CounterVec
	inboundRejected    prometheus.Counter

	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter

	eventsDropped prometheus.Counter
}

var _ session.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with registerer. If
// namespace is empty, DefaultNamespace is used. A nil registerer leaves the
// collectors unregistered.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
	}

	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current session state (1 for the active state)",
		}, []string{"state"}),
		transitions:        counterVec("state_transitions_total", "Total number of transitions into each state", "state"),
		connectionAttempts: counterVec("connection_attempts_total", "Total number of outbound attempts by result", "result"),
		connectionsOpened:  counterVec("connections_opened_total", "Total number of sessions opened", "direction"),
		connectionsClosed:  counterVec("connections_closed_total", "Total number of sessions closed", "direction"),
		inboundRejected:    counter("inbound_rejected_total", "Total number of inbound attempts refused while busy"),
		messagesSent:       counter("messages_sent_total", "Total number of chat lines sent"),
		messagesReceived:   counter("messages_received_total", "Total number of chat lines received"),
		bytesSent:          counter("bytes_sent_total", "Total chat bytes sent"),
		bytesReceived:      counter("bytes_received_total", "Total chat bytes received"),
		eventsDropped:      counter("events_dropped_total", "Total number of session events dropped due to a full buffer"),
	}
	m.StateChanged(session.StateIdle.String())

	if registerer != nil {
		registerer.MustRegister(
			m.state,
			m.transitions,
			m.connectionAttempts,
			m.connectionsOpened,
			m.connectionsClosed,
			m.inboundRejected,
			m.messagesSent,
			m.messagesReceived,
			m.bytesSent,
			m.bytesReceived,
			m.eventsDropped,
		)
	}
	return m
}

func (m *Metrics) StateChanged(state string) {
	for _, s := range states {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ConnectionAttempt(result string) {
	m.connectionAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionOpened(direction string) {
	m.connectionsOpened.WithLabelValues(direction).Inc()
}

func (m *Metrics) ConnectionClosed(direction string) {
	m.connectionsClosed.WithLabelValues(direction).Inc()
}

func (m *Metrics) InboundRejected() {
	m.inboundRejected.Inc()
}

func (m *Metrics) MessageSent(bytes int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) MessageReceived(bytes int) {
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
