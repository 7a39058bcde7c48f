package query

import (
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/optimizer"
	"github.com/Hubmakerlabs/syncr/pkg/outbox"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultGroupingDelay = 100 * time.Millisecond
)

// Strategy records how the relays of a built request were chosen.
type Strategy string

const (
	DefaultRelays  Strategy = "default"
	AuthorsRelays  Strategy = "authors"
	ExplicitRelays Strategy = "explicit"
)

// Router splits author and recipient scoped filters by relay. *outbox.Model
// is one.
type Router interface {
	ForRequest(c context.T, f *filter.T, n int) []outbox.Tagged
	ForFlatRequest(c context.T, flats []optimizer.Flat, n int) []outbox.TaggedFlat
}

var _ Router = (*outbox.Model)(nil)

// Built is a filter set bound for one relay, or for the default relay set
// when Relay is empty.
type Built struct {
	Relay    string
	Filters  filter.S
	Strategy Strategy
}

type Options struct {
	// LeaveOpen keeps subscriptions open after EOSE to stream new events.
	LeaveOpen bool
	// SkipDiff resends every filter on each emission instead of only those
	// not already sent.
	SkipDiff bool
	// PickN is how many outbox relays each author is routed to.
	PickN int
	// Timeout is how long a subscription may go without EOSE. Zero means
	// the manager's default.
	Timeout time.Duration
	// GroupingDelay batches filters added in quick succession into one
	// emission.
	GroupingDelay time.Duration
	// SyncFrom are events already held locally. When set, subscriptions
	// reconcile against them instead of asking for everything.
	SyncFrom []*event.T
	// Sink receives each new event matched by the query.
	Sink Sink

	groupingSet bool
}

type Option func(o *Options)

func LeaveOpen() Option { return func(o *Options) { o.LeaveOpen = true } }

func SkipDiff() Option { return func(o *Options) { o.SkipDiff = true } }

func PickN(n int) Option { return func(o *Options) { o.PickN = n } }

func Timeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

func GroupingDelay(d time.Duration) Option {
	return func(o *Options) { o.GroupingDelay, o.groupingSet = d, true }
}

func SyncFrom(evs ...*event.T) Option { return func(o *Options) { o.SyncFrom = evs } }

func WithSink(s Sink) Option { return func(o *Options) { o.Sink = s } }

// Request describes what a named query asks for. Requests with the same id
// add their filters to one query; the instance tells re-submissions of the
// same request apart from new ones.
type Request struct {
	ID       string
	instance string
	builders []*FilterBuilder
	opts     Options
}

func NewRequest(id string, opts ...Option) (r *Request) {
	r = &Request{ID: id, instance: uuid.NewString()}
	r.With(opts...)
	return
}

func (r *Request) Instance() string { return r.instance }

func (r *Request) Options() Options { return r.opts }

func (r *Request) With(opts ...Option) *Request {
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

// Filter starts a new filter of the request.
func (r *Request) Filter() (b *FilterBuilder) {
	b = &FilterBuilder{f: &filter.T{}}
	r.builders = append(r.builders, b)
	return
}

// Add starts a new filter from a copy of f.
func (r *Request) Add(f *filter.T) (b *FilterBuilder) {
	b = &FilterBuilder{f: f.Clone()}
	r.builders = append(r.builders, b)
	return
}

// Filters are the raw filters of the request, before routing.
func (r *Request) Filters() (s filter.S) {
	for _, b := range r.builders {
		s = append(s, b.f.Clone())
	}
	return
}

func (r *Request) Empty() bool { return len(r.builders) == 0 }

// merge takes o's filters and options into r.
func (r *Request) merge(o *Request) {
	r.builders = append(r.builders, o.builders...)
	r.instance = o.instance
	leave := r.opts.LeaveOpen || o.opts.LeaveOpen
	sink := r.opts.Sink
	r.opts = o.opts
	r.opts.LeaveOpen = leave
	if r.opts.Sink == nil {
		r.opts.Sink = sink
	}
}

// FilterBuilder sets the fields of one filter.
type FilterBuilder struct {
	f      *filter.T
	relays []string
}

// Relay pins the filter to the given relays, bypassing outbox routing.
func (b *FilterBuilder) Relay(urls ...string) *FilterBuilder {
	for _, u := range urls {
		if u = normalize.URL(u); u != "" && !slices.Contains(b.relays, u) {
			b.relays = append(b.relays, u)
		}
	}
	return b
}

func (b *FilterBuilder) IDs(ids ...string) *FilterBuilder {
	b.f.IDs = append(b.f.IDs, ids...)
	return b
}

func (b *FilterBuilder) Authors(keys ...string) *FilterBuilder {
	b.f.Authors = append(b.f.Authors, keys...)
	return b
}

func (b *FilterBuilder) Kinds(kinds ...kind.T) *FilterBuilder {
	b.f.Kinds = append(b.f.Kinds, kinds...)
	return b
}

func (b *FilterBuilder) Tag(key string, values ...string) *FilterBuilder {
	if b.f.Tags == nil {
		b.f.Tags = make(filter.TagMap)
	}
	b.f.Tags[key] = append(b.f.Tags[key], values...)
	return b
}

func (b *FilterBuilder) Since(t timestamp.T) *FilterBuilder {
	b.f.Since = t.Ptr()
	return b
}

func (b *FilterBuilder) Until(t timestamp.T) *FilterBuilder {
	b.f.Until = t.Ptr()
	return b
}

func (b *FilterBuilder) Limit(n int) *FilterBuilder {
	b.f.SetLimit(n)
	return b
}

func (b *FilterBuilder) Search(q string) *FilterBuilder {
	b.f.Search = q
	return b
}

func (b *FilterBuilder) Build() *filter.T { return b.f.Clone() }

// Build routes every filter: pinned filters go to their relays, author and
// recipient scoped ones through the router, the rest to the default set.
// Filters bound for the same relay are merged.
func (r *Request) Build(c context.T, router Router) []Built {
	var tagged []Built
	for _, b := range r.builders {
		switch {
		case len(b.relays) > 0:
			for _, u := range b.relays {
				tagged = append(tagged, Built{Relay: u, Filters: filter.S{b.f.Clone()},
					Strategy: ExplicitRelays})
			}
		case router != nil && (len(b.f.Authors) > 0 || len(b.f.Tags["p"]) > 0):
			for _, t := range router.ForRequest(c, b.f.Clone(), r.opts.PickN) {
				s := AuthorsRelays
				if t.Relay == "" {
					s = DefaultRelays
				}
				tagged = append(tagged, Built{Relay: t.Relay, Filters: filter.S{t.Filter},
					Strategy: s})
			}
		default:
			tagged = append(tagged, Built{Filters: filter.S{b.f.Clone()}, Strategy: DefaultRelays})
		}
	}
	return group(tagged)
}

// Emitted is the set of atomic filters a request has already sent, keyed as
// the request's own filters expand, before routing rewrote them.
type Emitted map[string]struct{}

// Mark records every atomic filter of ff.
func (e Emitted) Mark(ff ...*filter.T) {
	for _, x := range optimizer.ExpandAll(ff) {
		e[x.Key()] = struct{}{}
	}
}

// BuildDiff is Build restricted to the atomic filters not in sent. What it
// returns is marked in sent.
func (r *Request) BuildDiff(c context.T, router Router, sent Emitted) []Built {
	have := sent
	fresh := func(f *filter.T) (out []optimizer.Flat) {
		for _, x := range optimizer.Expand(f) {
			k := x.Key()
			if _, ok := have[k]; !ok {
				have[k] = struct{}{}
				out = append(out, x)
			}
		}
		return
	}
	var tagged []Built
	var routed []optimizer.Flat
	for _, b := range r.builders {
		add := fresh(b.f)
		if len(add) == 0 {
			continue
		}
		if len(b.relays) > 0 {
			for _, u := range b.relays {
				tagged = append(tagged, Built{Relay: u, Filters: optimizer.Merge(add),
					Strategy: ExplicitRelays})
			}
			continue
		}
		routed = append(routed, add...)
	}
	if len(routed) > 0 {
		var out []outbox.TaggedFlat
		if router != nil {
			out = router.ForFlatRequest(c, routed, r.opts.PickN)
		} else {
			out = []outbox.TaggedFlat{{Filters: routed}}
		}
		for _, t := range out {
			s := AuthorsRelays
			if t.Relay == "" {
				s = DefaultRelays
			}
			tagged = append(tagged, Built{Relay: t.Relay, Filters: optimizer.Merge(t.Filters),
				Strategy: s})
		}
	}
	return group(tagged)
}

// group merges the filters of entries for the same relay, keeping first seen
// relay order.
func group(tagged []Built) (out []Built) {
	index := make(map[string]int)
	for _, t := range tagged {
		if i, ok := index[t.Relay]; ok {
			out[i].Filters = append(out[i].Filters, t.Filters...)
			continue
		}
		index[t.Relay] = len(out)
		out = append(out, t)
	}
	for i := range out {
		if merged := optimizer.Merge(optimizer.ExpandAll(out[i].Filters)); len(merged) > 0 {
			out[i].Filters = merged
		}
	}
	return
}
