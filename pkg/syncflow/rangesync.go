package syncflow

import (
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
)

// rangeSync walks backward from now in fixed windows down to a floor,
// replacing the subscription's filters with the next window at each EOSE.
// Only the last window's EOSE is passed on.
type rangeSync struct {
	c      Conn
	sub    string
	ff     filter.S
	floor  timestamp.T
	window timestamp.T
	until  timestamp.T
	done   bool
}

func newRangeSync(c Conn, sub string, ff filter.S, start timestamp.T, o Options) *rangeSync {
	floor := Epoch
	if start > floor {
		floor = start
	}
	return &rangeSync{
		c:      c,
		sub:    sub,
		ff:     ff,
		floor:  floor,
		window: timestamp.T(o.Window.Seconds()),
		until:  timestamp.FromTime(o.Clock.Now()),
	}
}

// next requests the next window, the last one when it reaches the floor.
func (r *rangeSync) next() error {
	since := r.until - r.window
	if since <= r.floor {
		since = r.floor
		r.done = true
	}
	out := r.ff.Clone()
	for _, f := range out {
		f.Since, f.Until = since.Ptr(), r.until.Ptr()
	}
	log.T.F("{%s} %s window %d..%d", r.c, r.sub, since, r.until)
	r.until = since - 1
	return r.c.Request(r.sub, out)
}

func (r *rangeSync) Handle(m relay.Message) Step {
	e, ok := m.(*relay.EOSE)
	if !ok || e.Sub != r.sub || r.done {
		return Pass
	}
	if err := r.next(); chk.D(err) {
		r.done = true
		return Pass
	}
	return Consumed
}
