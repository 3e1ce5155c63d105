package session

// Metrics receives session instrumentation. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// StateChanged is called on every transition with the new state.
	StateChanged(state string)

	// ConnectionAttempt records an outbound attempt result (success, failure).
	ConnectionAttempt(result string)

	// ConnectionOpened and ConnectionClosed are labelled by direction
	// (inbound, outbound).
	ConnectionOpened(direction string)
	ConnectionClosed(direction string)

	// InboundRejected counts inbound attempts refused while busy.
	InboundRejected()

	MessageSent(bytes int)
	MessageReceived(bytes int)

	// EventDropped counts events lost because the consumer fell behind.
	EventDropped()
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) StateChanged(string)      {}
func (NopMetrics) ConnectionAttempt(string) {}
func (NopMetrics) ConnectionOpened(string)  {}
func (NopMetrics) ConnectionClosed(string)  {}
func (NopMetrics) InboundRejected()         {}
func (NopMetrics) MessageSent(int)          {}
func (NopMetrics) MessageReceived(int)      {}
func (NopMetrics) EventDropped()            {}
