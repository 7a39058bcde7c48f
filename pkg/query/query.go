// Package query turns named requests into relay subscriptions and keeps
// track of them until they are cancelled.
//
// A Request is emitted after a short grouping delay, so filters added in
// quick succession go out together. Later emissions only send the part of
// the filters not already sent. Each subscription is a Trace on one relay;
// a Query is done when every trace has finished.
package query

import (
	"errors"
	"os"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/jonboulle/clockwork"
)

var log, chk = slog.New(os.Stderr)

var ErrNotAttached = errors.New("query is not attached to a manager")

type Query struct {
	m   *Manager
	id  string
	req *Request
	// sent is every filter emitted so far, as routed.
	sent filter.S
	// covered holds the request's atomic filters already emitted, which
	// later emissions diff against.
	covered  Emitted
	traces   []*Trace
	feed     *Feed
	cancelAt time.Time
	emitted  bool
	// sending counts emissions still dispatching their traces.
	sending  int
	removed  bool
	timer    clockwork.Timer
	done     chan struct{}
	finished bool
}

func (q *Query) ID() string { return q.id }

// Done is closed the first time every trace of the query has finished, or
// right after the first emission when it produced no traces.
func (q *Query) Done() <-chan struct{} { return q.done }

// Wait blocks until the query is done or c ends.
func (q *Query) Wait(c context.T) (err error) {
	if q.m == nil {
		return ErrNotAttached
	}
	select {
	case <-q.done:
		return
	case <-c.Done():
		return c.Err()
	}
}

// Progress is the fraction of traces that have finished, or 0 when there are
// none yet.
func (q *Query) Progress() float64 {
	if q.m == nil {
		return 0
	}
	q.m.mx.Lock()
	defer q.m.mx.Unlock()
	return q.progress()
}

func (q *Query) progress() float64 {
	if len(q.traces) == 0 {
		return 0
	}
	var n int
	for _, t := range q.traces {
		if t.finished() {
			n++
		}
	}
	return float64(n) / float64(len(q.traces))
}

// Snapshot is every event received so far, deduplicated by id.
func (q *Query) Snapshot() []*event.T { return q.feed.Snapshot() }

func (q *Query) Traces() (out []TraceInfo) {
	if q.m == nil {
		return
	}
	q.m.mx.Lock()
	defer q.m.mx.Unlock()
	now := q.m.clock.Now()
	for _, t := range q.traces {
		out = append(out, t.info(now))
	}
	return
}

// Filters are the filters emitted so far.
func (q *Query) Filters() filter.S {
	if q.m == nil {
		return nil
	}
	q.m.mx.Lock()
	defer q.m.mx.Unlock()
	return q.sent.Clone()
}

// Cancel schedules the query for removal after the manager's grace period.
// A re-subscription within the grace period keeps it alive.
func (q *Query) Cancel() {
	if q.m == nil {
		return
	}
	q.m.mx.Lock()
	defer q.m.mx.Unlock()
	if q.cancelAt.IsZero() {
		q.cancelAt = q.m.clock.Now().Add(q.m.grace)
		log.D.F("query %s cancelled", q.id)
	}
}

func (q *Query) Uncancel() {
	if q.m == nil {
		return
	}
	q.m.mx.Lock()
	defer q.m.mx.Unlock()
	q.cancelAt = time.Time{}
}

// IsOpen reports whether the query streams past EOSE and is not cancelled.
func (q *Query) IsOpen() bool {
	if q.m == nil {
		return false
	}
	q.m.mx.Lock()
	defer q.m.mx.Unlock()
	return q.open()
}

func (q *Query) open() bool { return q.cancelAt.IsZero() && q.req.opts.LeaveOpen }

func (q *Query) canRemove(now time.Time) bool {
	return !q.cancelAt.IsZero() && !now.Before(q.cancelAt)
}

func (q *Query) timeout() time.Duration {
	if d := q.req.opts.Timeout; d > 0 {
		return d
	}
	return q.m.timeout
}

// checkDone closes the done channel once all traces finished. It reports
// whether it did.
func (q *Query) checkDone() bool {
	if q.finished || !q.emitted || q.sending > 0 {
		return false
	}
	if len(q.traces) > 0 && q.progress() < 1 {
		return false
	}
	q.finished = true
	close(q.done)
	q.m.cache.Add(q.id, q.feed.Snapshot())
	log.D.F("query %s done with %d traces, %d events", q.id, len(q.traces), q.feed.Len())
	return true
}

// schedule arms the grouping timer, unless an emission is already pending.
func (q *Query) schedule() {
	if q.timer != nil {
		return
	}
	d := q.req.opts.GroupingDelay
	if !q.req.opts.groupingSet {
		d = q.m.grouping
	}
	q.timer = q.m.clock.AfterFunc(d, func() { q.m.emit(q) })
}
