package query

import (
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/syncflow"
)

// State is where a subscription is in its life. Every state from EOSE on is
// final for progress purposes.
type State int

const (
	New State = iota
	// Queued waits for a subscription slot on the relay.
	Queued
	Sent
	EOSE
	// Closed was ended by the relay before EOSE, or closed after EOSE.
	Closed
	// TimedOut got no EOSE in time and was forced to finish.
	TimedOut
	// Dropped lost its connection before EOSE.
	Dropped
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	case EOSE:
		return "eose"
	case Closed:
		return "closed"
	case TimedOut:
		return "timeout"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Trace is one subscription of a query on one relay.
type Trace struct {
	ID      string
	Relay   string
	Filters filter.S

	conn   *relay.Connection
	flow   syncflow.Flow
	state  State
	forced bool
	// eosed is set once the trace finished, and stays set across reissues.
	eosed bool
	// ended is set once a CLOSE went out, after which relay messages for
	// the trace are ignored.
	ended bool

	start, sent, eose, close time.Time
	// progressed is when the trace last moved on: when it started, or when
	// its sync flow took a round or window. Timeouts count from here.
	progressed time.Time
}

// TraceInfo is a copy of what is known about a trace.
type TraceInfo struct {
	ID      string
	Relay   string
	Filters filter.S
	State   State
	// Forced is set when the trace was ended without an EOSE from the relay.
	Forced       bool
	Started      time.Time
	QueuedFor    time.Duration
	ResponseTime time.Duration
	Runtime      time.Duration
}

func (t *Trace) finished() bool { return t.eosed }

func (t *Trace) info(now time.Time) (i TraceInfo) {
	i = TraceInfo{ID: t.ID, Relay: t.Relay, Filters: t.Filters.Clone(), State: t.state,
		Forced: t.forced, Started: t.start}
	if !t.sent.IsZero() {
		i.QueuedFor = t.sent.Sub(t.start)
		if !t.eose.IsZero() {
			i.ResponseTime = t.eose.Sub(t.sent)
		}
	}
	end := t.close
	if end.IsZero() {
		end = now
	}
	i.Runtime = end.Sub(t.start)
	return
}

// finish marks the trace done. A trace only finishes once.
func (t *Trace) finish(s State, now time.Time, forced bool) bool {
	if t.eosed {
		return false
	}
	t.eosed, t.state, t.forced, t.eose = true, s, forced, now
	tracesFinished.WithLabelValues(s.String()).Inc()
	return true
}
