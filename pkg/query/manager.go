package query

import (
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/pool"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/syncflow"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"
	"lukechampine.com/frand"
)

const (
	DefaultCancelGrace = 5 * time.Second
	DefaultSweep       = 500 * time.Millisecond
	DefaultCleanup     = time.Second
	DefaultCacheSize   = 256
	DefaultCacheTTL    = 5 * time.Minute
)

// Manager owns every live query and routes relay messages to their traces.
type Manager struct {
	pool     *pool.Pool
	router   Router
	clock    clockwork.Clock
	timeout  time.Duration
	grace    time.Duration
	grouping time.Duration
	sweep    time.Duration
	cleanup  time.Duration
	syncOpts syncflow.Options
	// cache keeps the events of removed and finished queries, so a query
	// recreated under the same id starts with them.
	cache *expirable.LRU[string, []*event.T]

	mx      sync.Mutex
	queries map[string]*Query
	traces  map[string]*Trace
	owners  map[string]*Query

	cancel context.F
	wg     sync.WaitGroup
}

type ManagerOption func(m *Manager)

// WithRouter routes author scoped filters, usually through an outbox model.
func WithRouter(r Router) ManagerOption { return func(m *Manager) { m.router = r } }

func WithClock(c clockwork.Clock) ManagerOption { return func(m *Manager) { m.clock = c } }

func WithTraceTimeout(d time.Duration) ManagerOption { return func(m *Manager) { m.timeout = d } }

func WithCancelGrace(d time.Duration) ManagerOption { return func(m *Manager) { m.grace = d } }

func WithGroupingDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grouping = d }
}

// WithIntervals sets how often trace timeouts and query removals are
// checked.
func WithIntervals(sweep, cleanup time.Duration) ManagerOption {
	return func(m *Manager) { m.sweep, m.cleanup = sweep, cleanup }
}

func WithSyncOptions(o syncflow.Options) ManagerOption {
	return func(m *Manager) { m.syncOpts = o }
}

func WithCache(size int, ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.cache = expirable.NewLRU[string, []*event.T](size, nil, ttl) }
}

func NewManager(p *pool.Pool, opts ...ManagerOption) (m *Manager) {
	m = &Manager{
		pool:     p,
		clock:    clockwork.NewRealClock(),
		timeout:  DefaultTimeout,
		grace:    DefaultCancelGrace,
		grouping: DefaultGroupingDelay,
		sweep:    DefaultSweep,
		cleanup:  DefaultCleanup,
		syncOpts: syncflow.DefaultOptions(),
		queries:  make(map[string]*Query),
		traces:   make(map[string]*Trace),
		owners:   make(map[string]*Query),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = expirable.NewLRU[string, []*event.T](DefaultCacheSize, nil, DefaultCacheTTL)
	}
	return
}

// Start begins reading the pool's messages. Stop ends it.
func (m *Manager) Start(c context.T) {
	c, m.cancel = context.Cancel(c)
	msgs := m.pool.Listen(c)
	m.wg.Add(1)
	go m.run(c, msgs)
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

func (m *Manager) run(c context.T, msgs <-chan relay.Message) {
	defer m.wg.Done()
	sweep := m.clock.NewTicker(m.sweep)
	defer sweep.Stop()
	cleanup := m.clock.NewTicker(m.cleanup)
	defer cleanup.Stop()
	for {
		select {
		case <-c.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			m.handle(msg)
		case <-sweep.Chan():
			m.sweepTraces()
		case <-cleanup.Chan():
			m.removeCancelled()
		}
	}
}

// Query returns the query named by req.ID, creating it if needed. A new
// instance of a request adds its filters to an existing query, and any
// request for a cancelled query keeps it alive.
func (m *Manager) Query(req *Request) (q *Query) {
	m.mx.Lock()
	if q = m.queries[req.ID]; q != nil {
		q.cancelAt = time.Time{}
		if q.req.instance != req.instance {
			q.req.merge(req)
			q.schedule()
		}
		m.mx.Unlock()
		return
	}
	r := *req
	r.builders = slices.Clone(req.builders)
	q = &Query{m: m, id: req.ID, req: &r, feed: NewFeed(), done: make(chan struct{})}
	cached, _ := m.cache.Get(req.ID)
	q.feed.add(cached)
	m.queries[q.id] = q
	queriesActive.WithLabelValues().Inc()
	q.schedule()
	sink := r.opts.Sink
	m.mx.Unlock()
	if sink != nil && len(cached) > 0 {
		sink.Add(cached...)
	}
	return
}

func (m *Manager) Get(id string) (q *Query, ok bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	q, ok = m.queries[id]
	return
}

func (m *Manager) Len() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.queries)
}

// Fetch runs req until it is done or c ends, then cancels it and returns
// what arrived.
func (m *Manager) Fetch(c context.T, req *Request) (evs []*event.T, err error) {
	q := m.Query(req)
	defer q.Cancel()
	err = q.Wait(c)
	return q.Snapshot(), err
}

func newSubID() string { return hex.EncodeToString(frand.Bytes(8)) }

// emit builds the query's filters and sends them. Only the first emission,
// or every emission of a SkipDiff query, sends everything.
func (m *Manager) emit(q *Query) {
	m.mx.Lock()
	q.timer = nil
	if q.removed {
		m.mx.Unlock()
		return
	}
	diff := q.emitted && !q.req.opts.SkipDiff
	var built []Built
	if diff {
		built = q.req.BuildDiff(context.Bg(), m.router, q.covered)
	} else {
		q.sent, q.covered = nil, make(Emitted)
		q.covered.Mark(q.req.Filters()...)
		built = q.req.Build(context.Bg(), m.router)
	}
	for i := range built {
		built[i].Filters = built[i].Filters.Trim()
		q.sent = append(q.sent, built[i].Filters...)
	}
	q.emitted = true
	q.sending++
	emissions.WithLabelValues(strconv.FormatBool(diff)).Inc()
	m.mx.Unlock()

	for _, b := range built {
		if len(b.Filters) > 0 {
			m.send(q, b)
		}
	}

	m.mx.Lock()
	q.sending--
	q.checkDone()
	m.mx.Unlock()
}

// send dispatches b to its relay, opening an ephemeral connection for a
// relay not in the pool, or to every permanent connection when b has no
// relay.
func (m *Manager) send(q *Query, b Built) {
	if b.Relay == "" {
		for _, conn := range m.pool.Relays() {
			m.dispatch(q, conn, b)
		}
		return
	}
	conn, ok := m.pool.Get(b.Relay)
	if !ok {
		var err error
		if conn, err = m.pool.Connect(context.Bg(), b.Relay, relay.ReadWrite, true); chk.D(err) {
			return
		}
	}
	m.dispatch(q, conn, b)
}

func searches(ff filter.S) bool {
	for _, f := range ff {
		if f.Search != "" {
			return true
		}
	}
	return false
}

// refusal is why b may not be sent to conn, if it may not.
func refusal(q *Query, conn *relay.Connection, b Built) string {
	switch {
	case b.Relay != "" && b.Relay != conn.Address:
		return "relay mismatch"
	case !conn.IsOpen():
		return "not connected"
	case b.Relay == "" && conn.Ephemeral():
		return "ephemeral connection"
	case searches(b.Filters) && !conn.Info().SupportsSearch():
		return "search not supported"
	case !q.cancelAt.IsZero() || q.removed:
		return "query cancelled"
	}
	return ""
}

func (m *Manager) dispatch(q *Query, conn *relay.Connection, b Built) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if why := refusal(q, conn, b); why != "" {
		log.T.F("{%s} not sending %s: %s", conn.Address, q.id, why)
		return
	}
	now := m.clock.Now()
	t := &Trace{ID: newSubID(), Relay: conn.Address, Filters: b.Filters, conn: conn,
		start: now, progressed: now}
	q.traces = append(q.traces, t)
	m.traces[t.ID] = t
	m.owners[t.ID] = q
	tracesStarted.WithLabelValues(string(b.Strategy)).Inc()
	log.D.F("{%s} %s opening %s %s", conn.Address, q.id, t.ID, t.Filters)
	m.open(q, t)
}

// open sends the trace's subscription, as a sync when the query holds
// events to reconcile against.
func (m *Manager) open(q *Query, t *Trace) {
	var err error
	if evs := q.req.opts.SyncFrom; evs != nil {
		t.flow, err = syncflow.Start(t.conn, t.ID, evs, t.Filters, m.syncOpts)
	} else {
		err = t.conn.Request(t.ID, t.Filters)
	}
	if chk.E(err) {
		m.end(q, t, Closed, true)
		return
	}
	if slices.Contains(t.conn.Queued(), t.ID) {
		t.state = Queued
	}
}

// end finishes t without further messages from the relay.
func (m *Manager) end(q *Query, t *Trace, s State, forced bool) {
	now := m.clock.Now()
	if !t.finish(s, now, forced) {
		t.state = s
	}
	t.ended, t.close = true, now
	q.checkDone()
}

// closeTrace sends CLOSE for t and ends it.
func (m *Manager) closeTrace(q *Query, t *Trace, s State, forced bool) {
	if !t.ended {
		t.conn.CloseRequest(t.ID)
	}
	m.end(q, t, s, forced)
}

func (m *Manager) lookup(conn *relay.Connection, sub string) (q *Query, t *Trace) {
	if t = m.traces[sub]; t == nil || t.conn != conn || t.ended {
		return nil, nil
	}
	return m.owners[sub], t
}

type delivery struct {
	sink Sink
	evs  []*event.T
}

func (m *Manager) handle(msg relay.Message) {
	var out []delivery
	conn := msg.Relay()
	m.mx.Lock()
	switch v := msg.(type) {
	case *relay.Event:
		if q, t := m.lookup(conn, v.Sub); t != nil && !m.step(q, t, msg) {
			if !t.Filters.Match(v.Event) {
				log.T.F("{%s} %s: event %s does not match", conn.Address, v.Sub, v.Event.ID)
				break
			}
			if added := q.feed.add([]*event.T{v.Event}); len(added) > 0 && q.req.opts.Sink != nil {
				out = append(out, delivery{q.req.opts.Sink, added})
			}
		}
	case *relay.Sent:
		if _, t := m.lookup(conn, v.Sub); t != nil && t.state < Sent {
			t.state, t.sent = Sent, m.clock.Now()
		}
	case *relay.EOSE:
		if q, t := m.lookup(conn, v.Sub); t != nil && !m.step(q, t, msg) {
			m.onEOSE(q, t)
		}
	case *relay.Closed:
		if q, t := m.lookup(conn, v.Sub); t != nil && !m.step(q, t, msg) && !t.finished() {
			log.D.F("{%s} %s closed: %s", conn.Address, v.Sub, v.Reason)
			m.end(q, t, Closed, true)
		}
	case *relay.NegMsg:
		if q, t := m.lookup(conn, v.Sub); t != nil {
			m.step(q, t, msg)
		}
	case *relay.NegErr:
		if q, t := m.lookup(conn, v.Sub); t != nil {
			m.step(q, t, msg)
		}
	case *relay.Notice:
		for id, t := range m.traces {
			if t.conn == conn && t.flow != nil && !t.ended {
				m.step(m.owners[id], t, msg)
			}
		}
	case *relay.Disconnected:
		m.dropped(conn)
	case *relay.Connected:
		if v.Reconnect {
			m.reissue(conn)
		}
	case *relay.Change:
		queued := conn.Queued()
		for _, t := range m.traces {
			if t.conn == conn && t.state <= Queued && slices.Contains(queued, t.ID) {
				t.state = Queued
			}
		}
	}
	m.mx.Unlock()
	for _, d := range out {
		d.sink.Add(d.evs...)
	}
}

// step feeds msg to the trace's sync flow and reports whether the flow
// consumed it.
func (m *Manager) step(q *Query, t *Trace, msg relay.Message) bool {
	if t.flow == nil {
		return false
	}
	switch t.flow.Handle(msg) {
	case syncflow.Consumed:
		t.progressed = m.clock.Now()
		return true
	case syncflow.Empty:
		log.D.F("{%s} %s: nothing to sync", t.Relay, t.ID)
		t.flow = nil
		if q.req.opts.LeaveOpen {
			t.finish(EOSE, m.clock.Now(), false)
			chk.E(t.conn.Request(t.ID, live(t.Filters, m.clock.Now())))
			q.checkDone()
			return true
		}
		m.end(q, t, Closed, false)
		return true
	}
	return false
}

// live restricts ff to events created from now on.
func live(ff filter.S, now time.Time) (out filter.S) {
	out = ff.Clone()
	since := timestamp.FromTime(now)
	for _, f := range out {
		f.Since = since.Ptr()
	}
	return
}

func (m *Manager) onEOSE(q *Query, t *Trace) {
	now := m.clock.Now()
	if !t.finish(EOSE, now, false) {
		t.state = EOSE
	}
	log.T.F("{%s} %s eose", t.Relay, t.ID)
	if !q.req.opts.LeaveOpen {
		m.closeTrace(q, t, Closed, false)
		return
	}
	q.checkDone()
}

// dropped finishes every unfinished trace on conn. Traces of open queries
// stay registered to be reissued when the connection comes back.
func (m *Manager) dropped(conn *relay.Connection) {
	now := m.clock.Now()
	for id, t := range m.traces {
		if t.conn != conn || t.ended {
			continue
		}
		t.flow = nil
		q := m.owners[id]
		if t.finish(Dropped, now, true) {
			log.D.F("{%s} %s dropped", conn.Address, id)
		}
		q.checkDone()
	}
}

func (m *Manager) reissue(conn *relay.Connection) {
	for id, t := range m.traces {
		q := m.owners[id]
		if t.conn != conn || t.ended || !q.open() {
			continue
		}
		log.D.F("{%s} reissuing %s for %s", conn.Address, id, q.id)
		chk.E(conn.Request(id, t.Filters))
		t.state, t.progressed = New, m.clock.Now()
		if slices.Contains(conn.Queued(), id) {
			t.state = Queued
		}
	}
}

// sweepTraces forces an EOSE on traces that have waited too long for one,
// counted from their last progress so a long sync only times out on a
// stalled round. A streaming query keeps the subscription open.
func (m *Manager) sweepTraces() {
	m.mx.Lock()
	defer m.mx.Unlock()
	now := m.clock.Now()
	for id, t := range m.traces {
		q := m.owners[id]
		if t.finished() || t.ended || now.Sub(t.progressed) < q.timeout() {
			continue
		}
		log.D.F("{%s} %s timed out in state %s", t.Relay, id, t.state)
		if q.req.opts.LeaveOpen {
			t.finish(TimedOut, now, true)
			q.checkDone()
			continue
		}
		m.closeTrace(q, t, TimedOut, true)
	}
}

func (m *Manager) removeCancelled() {
	m.mx.Lock()
	defer m.mx.Unlock()
	now := m.clock.Now()
	for id, q := range m.queries {
		if !q.canRemove(now) {
			continue
		}
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		for _, t := range q.traces {
			if !t.ended {
				t.conn.CloseRequest(t.ID)
				t.ended, t.close = true, now
			}
			delete(m.traces, t.ID)
			delete(m.owners, t.ID)
		}
		q.removed = true
		if !q.finished {
			q.finished = true
			close(q.done)
		}
		m.cache.Add(id, q.feed.Snapshot())
		delete(m.queries, id)
		queriesActive.WithLabelValues().Dec()
		log.D.F("query %s removed", id)
	}
}
