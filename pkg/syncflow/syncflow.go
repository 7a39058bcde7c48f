// Package syncflow brings a locally held event set up to date with a relay,
// by negentropy reconciliation when the relay supports it and by plain
// requests otherwise.
//
// A Flow is driven by the relay messages of its connection. The owner feeds
// it every message and lets through the ones the flow does not consume, so
// events and the final EOSE reach the subscription as for any request.
package syncflow

import (
	"errors"
	"os"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/relayinfo"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/Hubmakerlabs/syncr/pkg/units"
	"github.com/jonboulle/clockwork"
)

var log, chk = slog.New(os.Stderr)

// Method selects the fallback used when negentropy is not available.
type Method string

const (
	Since     Method = "since"
	RangeSync Method = "range-sync"
)

const (
	DefaultWindow     = 12 * time.Hour
	MinWindow         = time.Minute
	DefaultFrameLimit = 50 * units.Kb
	// Epoch is the floor of a range sync, 2021-01-01.
	Epoch timestamp.T = 1609459200
)

var ErrNoFallback = errors.New("no fallback sync method")

// Conn is the part of a relay connection a flow talks through.
type Conn interface {
	String() string
	Info() *relayinfo.T
	Request(sub string, ff filter.S) error
	SyncOpen(sub string, f *filter.T, msg string) error
	SyncClose(sub string)
	SendRaw(env envelopes.Envelope) error
}

var _ Conn = (*relay.Connection)(nil)

type Options struct {
	Method            Method
	Window            time.Duration
	FrameLimit        int
	DisableNegentropy bool
	Clock             clockwork.Clock
}

func DefaultOptions() Options {
	return Options{
		Method:     Since,
		Window:     DefaultWindow,
		FrameLimit: DefaultFrameLimit,
		Clock:      clockwork.NewRealClock(),
	}
}

func (o Options) normalize() Options {
	if o.Window == 0 {
		o.Window = DefaultWindow
	}
	if o.Window < MinWindow {
		o.Window = MinWindow
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Method == "" {
		o.Method = Since
	}
	return o
}

// Step tells the owner what became of a message handed to a Flow.
type Step int

const (
	// Pass means the message is not the flow's to consume.
	Pass Step = iota
	// Consumed means the flow took the message.
	Consumed
	// Empty means the flow finished with nothing to fetch; the subscription
	// is over without an EOSE.
	Empty
)

// Flow is a sync exchange in progress.
type Flow interface {
	Handle(m relay.Message) Step
}

// Start syncs have against ff on subscription sub of c. The returned Flow is
// nil when the sync went out as one plain request.
func Start(c Conn, sub string, have []*event.T, ff filter.S, o Options) (f Flow, err error) {
	o = o.normalize()
	if !o.DisableNegentropy && len(ff) == 1 && c.Info().SupportsNegentropy() {
		var n *NegentropyFlow
		if n, err = NewNegentropyFlow(c, sub, have, ff[0], o); chk.E(err) {
			return
		}
		if err = n.Start(); err != nil {
			return
		}
		return n, nil
	}
	return fallback(c, sub, have, ff, o)
}

// Latest is the newest created_at in have, or 0.
func Latest(have []*event.T) (t timestamp.T) {
	for _, ev := range have {
		if ev.CreatedAt > t {
			t = ev.CreatedAt
		}
	}
	return
}

func replaceableOnly(ff filter.S) bool {
	for _, f := range ff {
		if f.Kinds == nil {
			return false
		}
		for _, k := range f.Kinds {
			if !k.IsReplaceable() && !k.IsAddressable() {
				return false
			}
		}
	}
	return true
}

func bounded(ff filter.S) bool {
	for _, f := range ff {
		if f.Since != nil || f.Until != nil || f.IDs != nil || f.Limit != nil {
			return true
		}
	}
	return false
}

func fallback(c Conn, sub string, have []*event.T, ff filter.S, o Options) (f Flow, err error) {
	switch {
	case bounded(ff) || replaceableOnly(ff):
		fallbackSyncs.WithLabelValues("plain").Inc()
		err = c.Request(sub, ff)
	case o.Method == Since:
		fallbackSyncs.WithLabelValues(string(Since)).Inc()
		since := Latest(have) + 1
		out := ff.Clone()
		for _, x := range out {
			x.Since = since.Ptr()
		}
		log.D.F("{%s} %s syncing since %d", c, sub, since)
		err = c.Request(sub, out)
	case o.Method == RangeSync:
		fallbackSyncs.WithLabelValues(string(RangeSync)).Inc()
		r := newRangeSync(c, sub, ff, Latest(have)+1, o)
		if err = r.next(); err != nil {
			return
		}
		f = r
	default:
		err = ErrNoFallback
	}
	return
}
