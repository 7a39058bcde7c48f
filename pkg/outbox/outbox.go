// Package outbox routes author scoped filters to the relays those authors
// publish to, and picks inbox relays for delivering replies.
package outbox

import (
	"os"
	"sort"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/optimizer"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

const (
	DefaultPickN = 2
	DefaultTTL   = 24 * time.Hour
	// placeholderRetry is how soon an author with no relay list found is
	// looked up again.
	placeholderRetry = 5 * time.Minute
	debounceSize     = 4096
)

// Loader fetches relay list events (kinds 10002 and 3) for authors.
type Loader func(c context.T, authors []string) ([]*event.T, error)

// Tagged is a filter bound for one relay. An empty Relay means the default
// relay set.
type Tagged struct {
	Relay  string
	Filter *filter.T
}

type TaggedFlat struct {
	Relay   string
	Filters []optimizer.Flat
}

// Picked are the relays chosen for one key.
type Picked struct {
	Key    string
	Relays []string
}

type Model struct {
	dir      Directory
	load     Loader
	pickN    int
	ttl      time.Duration
	clock    clockwork.Clock
	attempts *lru.Cache[string, time.Time]
}

type Option func(m *Model)

func WithLoader(l Loader) Option { return func(m *Model) { m.load = l } }

func WithPickN(n int) Option { return func(m *Model) { m.pickN = n } }

func WithTTL(d time.Duration) Option { return func(m *Model) { m.ttl = d } }

func WithClock(c clockwork.Clock) Option { return func(m *Model) { m.clock = c } }

func New(dir Directory, opts ...Option) (m *Model) {
	m = &Model{dir: dir, pickN: DefaultPickN, ttl: DefaultTTL, clock: clockwork.NewRealClock()}
	m.attempts, _ = lru.New[string, time.Time](debounceSize)
	for _, opt := range opts {
		opt(m)
	}
	return
}

func (m *Model) Directory() Directory { return m.dir }

func (m *Model) PickN() int { return m.pickN }

func (m *Model) relaysFor(key string, write bool) (out []string) {
	l, ok := m.dir.Get(key)
	if !ok {
		return
	}
	for _, r := range l.Relays {
		if (write && r.Write) || (!write && r.Read) {
			if !slices.Contains(out, r.URL) {
				out = append(out, r.URL)
			}
		}
	}
	return
}

// PickTopRelays picks up to n relays for each key, preferring the relays
// shared by the most keys. Ties go to the relay seen first. Keys with no
// known relays come last with no relays.
func (m *Model) PickTopRelays(keys []string, n int, write bool) (out []Picked) {
	if n <= 0 {
		n = m.pickN
	}
	type candidate struct {
		url  string
		keys map[string]struct{}
	}
	var order []*candidate
	byURL := make(map[string]*candidate)
	var missing []string
	var known []string
	candidates := make(map[string][]string, len(keys))
	for _, k := range keys {
		if _, dup := candidates[k]; dup || slices.Contains(missing, k) {
			continue
		}
		rs := m.relaysFor(k, write)
		if len(rs) == 0 {
			missing = append(missing, k)
			continue
		}
		candidates[k] = rs
		known = append(known, k)
		for _, u := range rs {
			c, ok := byURL[u]
			if !ok {
				c = &candidate{url: u, keys: make(map[string]struct{})}
				byURL[u] = c
				order = append(order, c)
			}
			c.keys[k] = struct{}{}
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return len(order[i].keys) > len(order[j].keys) })
	for _, k := range known {
		p := Picked{Key: k}
		for _, c := range order {
			if len(p.Relays) == n {
				break
			}
			if _, ok := c.keys[k]; ok {
				p.Relays = append(p.Relays, c.url)
			}
		}
		out = append(out, p)
	}
	for _, k := range missing {
		out = append(out, Picked{Key: k})
	}
	return
}

// route groups keys by picked relay in first seen order, with the keys that
// have no relays apart.
func route(picked []Picked) (relays []string, byRelay map[string][]string, none []string) {
	byRelay = make(map[string][]string)
	for _, p := range picked {
		if len(p.Relays) == 0 {
			none = append(none, p.Key)
			continue
		}
		for _, r := range p.Relays {
			if _, ok := byRelay[r]; !ok {
				relays = append(relays, r)
			}
			byRelay[r] = append(byRelay[r], p.Key)
		}
	}
	return
}

// scope is which keys of f select relays: authors pick their write relays,
// and failing that p tags pick the recipients' read relays.
func scope(f *filter.T) (keys []string, write bool, ok bool) {
	if len(f.Authors) > 0 {
		return f.Authors, true, true
	}
	if p := f.Tags["p"]; len(p) > 0 {
		return p, false, true
	}
	return nil, false, false
}

func withKeys(f *filter.T, keys []string, write bool) (out *filter.T) {
	out = f.Clone()
	if write {
		out.Authors = keys
	} else {
		out.Tags["p"] = keys
	}
	return
}

// ForRequest splits f into one filter per picked relay, restricted to the
// keys routed there, plus one untargeted filter for keys with no known
// relays. A filter without author or recipient constraints is returned
// whole and untargeted.
func (m *Model) ForRequest(c context.T, f *filter.T, n int) (out []Tagged) {
	keys, write, ok := scope(f)
	if !ok {
		return []Tagged{{Filter: f}}
	}
	m.Refresh(c, keys)
	relays, byRelay, none := route(m.PickTopRelays(keys, n, write))
	for _, r := range relays {
		out = append(out, Tagged{Relay: r, Filter: withKeys(f, byRelay[r], write)})
	}
	if len(none) > 0 {
		out = append(out, Tagged{Filter: withKeys(f, none, write)})
	}
	log.T.F("routed %s to %d relays", f, len(out))
	return
}

func flatKey(x *optimizer.Flat) (key string, write, ok bool) {
	if x.Author.Set {
		return x.Author.V, true, true
	}
	for _, t := range x.Tags {
		if t.Key == "p" {
			return t.Value, false, true
		}
	}
	return
}

// ForFlatRequest routes atomic filters the way ForRequest routes filters.
func (m *Model) ForFlatRequest(c context.T, flats []optimizer.Flat, n int) (out []TaggedFlat) {
	var writers, readers []string
	for i := range flats {
		if k, write, ok := flatKey(&flats[i]); ok {
			if write {
				writers = append(writers, k)
			} else {
				readers = append(readers, k)
			}
		}
	}
	if len(writers)+len(readers) == 0 {
		return []TaggedFlat{{Filters: flats}}
	}
	m.Refresh(c, append(slices.Clone(writers), readers...))
	type pickedSet struct {
		relays []string
		by     map[string][]string
		none   []string
	}
	var sets [2]pickedSet
	for i, ks := range [][]string{writers, readers} {
		if len(ks) > 0 {
			sets[i].relays, sets[i].by, sets[i].none = route(m.PickTopRelays(ks, n, i == 0))
		}
	}
	index := make(map[string]int)
	for i, s := range sets {
		write := i == 0
		for _, r := range s.relays {
			keys := s.by[r]
			var fs []optimizer.Flat
			for j := range flats {
				if k, w, ok := flatKey(&flats[j]); ok && w == write && slices.Contains(keys, k) {
					fs = append(fs, flats[j])
				}
			}
			if at, ok := index[r]; ok {
				out[at].Filters = append(out[at].Filters, fs...)
				continue
			}
			index[r] = len(out)
			out = append(out, TaggedFlat{Relay: r, Filters: fs})
		}
	}
	var rest []optimizer.Flat
	for j := range flats {
		k, w, ok := flatKey(&flats[j])
		if !ok || (w && slices.Contains(sets[0].none, k)) || (!w && slices.Contains(sets[1].none, k)) {
			rest = append(rest, flats[j])
		}
	}
	if len(rest) > 0 {
		out = append(out, TaggedFlat{Filters: rest})
	}
	return
}

// ForReply picks the read relays of everyone a reply addresses, the author
// included, refreshing stale relay lists first.
func (m *Model) ForReply(c context.T, ev *event.T, n int) (relays []string, err error) {
	recipients := []string{ev.PubKey}
	for _, p := range ev.Tags.Values("p") {
		if !slices.Contains(recipients, p) {
			recipients = append(recipients, p)
		}
	}
	if err = m.UpdateRelayLists(c, recipients); chk.D(err) {
		err = nil
	}
	for _, p := range m.PickTopRelays(recipients, n, false) {
		for _, r := range p.Relays {
			if !slices.Contains(relays, r) {
				relays = append(relays, r)
			}
		}
	}
	log.D.F("picked %v for reply to %d recipients", relays, len(recipients))
	return
}

// Stale lists the keys whose relay lists are missing or older than the TTL.
func (m *Model) Stale(keys []string) (out []string) {
	cutoff := m.clock.Now().Add(-m.ttl)
	for _, k := range keys {
		if l, ok := m.dir.Get(k); !ok || l.Loaded.Before(cutoff) {
			if !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	return
}

// UpdateRelayLists loads relay lists for the stale keys and stores them.
// Keys for which nothing was found get an empty list that is retried after
// a few minutes.
func (m *Model) UpdateRelayLists(c context.T, keys []string) (err error) {
	stale := m.Stale(keys)
	if len(stale) == 0 || m.load == nil {
		return
	}
	log.D.F("updating relay lists for %d authors", len(stale))
	var evs []*event.T
	if evs, err = m.load(c, stale); err != nil {
		return
	}
	now := m.clock.Now()
	found := make(map[string]bool)
	for _, ev := range evs {
		relays, ok := ParseRelays(ev)
		if !ok || !slices.Contains(stale, ev.PubKey) {
			continue
		}
		found[ev.PubKey] = true
		m.dir.Put(RelayList{PubKey: ev.PubKey, Relays: relays, Created: ev.CreatedAt, Loaded: now})
	}
	for _, k := range stale {
		if !found[k] {
			if _, ok := m.dir.Get(k); ok {
				continue
			}
			m.dir.Put(RelayList{PubKey: k, Loaded: now.Add(placeholderRetry - m.ttl)})
		}
	}
	return
}

// Refresh updates stale relay lists in the background. Each key is tried at
// most once per placeholder retry interval.
func (m *Model) Refresh(c context.T, keys []string) {
	if m.load == nil {
		return
	}
	now := m.clock.Now()
	var due []string
	for _, k := range m.Stale(keys) {
		if last, ok := m.attempts.Get(k); ok && now.Sub(last) < placeholderRetry {
			continue
		}
		m.attempts.Add(k, now)
		due = append(due, k)
	}
	if len(due) == 0 {
		return
	}
	go func() { chk.D(m.UpdateRelayLists(context.WithoutCancel(c), due)) }()
}
