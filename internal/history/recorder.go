package history

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Recorder is the non-propagating front of an Appender. Failures are logged,
// reported once through the callback given to NewRecorder, and otherwise
// swallowed: history is best-effort and must never stall a session.
type Recorder struct {
	store        Appender
	log          zerolog.Logger
	onFirstError func(error)

	reported atomic.Bool
	failures atomic.Uint64
}

// NewRecorder wraps store. store may be nil, in which case Record is a no-op.
func NewRecorder(store Appender, log zerolog.Logger, onFirstError func(error)) *Recorder {
	return &Recorder{store: store, log: log, onFirstError: onFirstError}
}

// Record appends ev.
func (r *Recorder) Record(ev Event) {
	if r.store == nil {
		return
	}
	err := r.store.Append(ev)
	if err == nil {
		return
	}
	r.failures.Add(1)
	r.log.Error().Err(err).
		Str("kind", string(ev.Kind)).
		Str("peer", ev.Peer).
		Msg("history append failed")
	if r.reported.CompareAndSwap(false, true) && r.onFirstError != nil {
		r.onFirstError(err)
	}
}

// Failures returns how many appends have failed so far.
func (r *Recorder) Failures() uint64 {
	return r.failures.Load()
}
