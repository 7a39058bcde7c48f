package query_test

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/negentropy"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/relayinfo"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/pool"
	"github.com/Hubmakerlabs/syncr/pkg/query"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/relay/relaytest"
	"github.com/Hubmakerlabs/syncr/pkg/syncflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(content string) (ev *event.T) {
	ev = &event.T{
		PubKey:    strings.Repeat("ab", 32),
		CreatedAt: timestamp.T(1700000000),
		Kind:      kind.TextNote,
		Content:   content,
	}
	ev.ID = ev.GetID()
	return
}

// collector is a Sink that records what it gets.
type collector struct {
	mx  sync.Mutex
	got []*event.T
}

func (c *collector) Add(evs ...*event.T) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.got = append(c.got, evs...)
}

func (c *collector) ids() (out []string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, ev := range c.got {
		out = append(out, ev.ID)
	}
	return
}

func start(t *testing.T, servers []*relaytest.Server, relayOpts []relay.Option,
	opts ...query.ManagerOption) (*pool.Pool, *query.Manager) {

	relayOpts = append([]relay.Option{
		relay.WithFetcher(nil),
		relay.WithBackoff(relay.Backoff{Base: 50 * time.Millisecond, Max: time.Second}),
	}, relayOpts...)
	p := pool.New(pool.WithRelayOptions(relayOpts...))
	t.Cleanup(p.Close)
	for _, s := range servers {
		_, err := p.Connect(context.Bg(), s.Address, relay.ReadWrite, false)
		require.NoError(t, err)
	}
	m := query.NewManager(p, append([]query.ManagerOption{
		query.WithGroupingDelay(10 * time.Millisecond),
		query.WithIntervals(20*time.Millisecond, 20*time.Millisecond),
	}, opts...)...)
	m.Start(context.Bg())
	t.Cleanup(m.Stop)
	return p, m
}

func wait(t *testing.T, q *query.Query) {
	t.Helper()
	c, cancel := context.Timeout(context.Bg(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(c))
}

func notes(id string, opts ...query.Option) (r *query.Request) {
	r = query.NewRequest(id, opts...)
	r.Filter().Kinds(kind.TextNote)
	return
}

// serving answers every REQ with evs and an EOSE.
func serving(evs ...*event.T) relaytest.Handler {
	return func(s *relaytest.Session, f relaytest.Frame) {
		if f.Label() != envelopes.LabelReq {
			return
		}
		for _, ev := range evs {
			s.Send(&envelopes.Event{Sub: f.Sub(), Event: ev})
		}
		s.Send(&envelopes.EOSE{Sub: f.Sub()})
	}
}

func TestTwoRelays(t *testing.T) {
	m1 := note("m1")
	a := relaytest.New(t, serving(m1))
	b := relaytest.New(t, relaytest.EOSE)
	_, m := start(t, []*relaytest.Server{a, b}, nil)
	sink := &collector{}
	q := m.Query(notes("notes", query.WithSink(sink)))
	wait(t, q)

	assert.Equal(t, 1.0, q.Progress())
	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, m1.ID, snap[0].ID)
	assert.Equal(t, []string{m1.ID}, sink.ids())
	traces := q.Traces()
	require.Len(t, traces, 2)
	for _, tr := range traces {
		assert.Equal(t, query.Closed, tr.State)
		assert.False(t, tr.Forced)
	}
	for _, s := range []*relaytest.Server{a, b} {
		require.Len(t, s.Frames(envelopes.LabelReq), 1)
		s.Await(t, envelopes.LabelClose, 1)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, a.Frames(), 2, "nothing after the CLOSE")
	assert.Len(t, b.Frames(), 2)
}

func TestProgressIsMonotonic(t *testing.T) {
	fast := relaytest.New(t, relaytest.EOSE)
	slow := relaytest.New(t, func(s *relaytest.Session, f relaytest.Frame) {
		if f.Label() == envelopes.LabelReq {
			go func() {
				time.Sleep(150 * time.Millisecond)
				s.Send(&envelopes.EOSE{Sub: f.Sub()})
			}()
		}
	})
	_, m := start(t, []*relaytest.Server{fast, slow}, nil)
	q := m.Query(notes("progress"))
	var seen []float64
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case <-q.Done():
			break loop
		case <-deadline:
			t.Fatal("query never finished")
		case <-time.After(5 * time.Millisecond):
			seen = append(seen, q.Progress())
		}
	}
	seen = append(seen, q.Progress())
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Contains(t, seen, 0.5)
	assert.Equal(t, 1.0, seen[len(seen)-1])
}

func TestNoTracesIsDone(t *testing.T) {
	_, m := start(t, nil, nil)
	q := m.Query(notes("nowhere"))
	wait(t, q)
	assert.Zero(t, q.Progress())

	srv := relaytest.New(t, relaytest.EOSE)
	_, m = start(t, []*relaytest.Server{srv}, nil)
	r := query.NewRequest("void")
	r.Add(&filter.T{IDs: []string{}})
	wait(t, m.Query(r))
	assert.Empty(t, srv.Frames(envelopes.LabelReq), "filters that match nothing are not sent")
}

func TestTimeoutForcesEOSE(t *testing.T) {
	srv := relaytest.New(t, relaytest.Silent)
	_, m := start(t, []*relaytest.Server{srv}, nil)
	q := m.Query(notes("slow", query.Timeout(100*time.Millisecond)))
	wait(t, q)
	traces := q.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, query.TimedOut, traces[0].State)
	assert.True(t, traces[0].Forced)
	closes := srv.Await(t, envelopes.LabelClose, 1)
	assert.Equal(t, traces[0].ID, closes[0].Sub())
}

func TestLeaveOpenStreams(t *testing.T) {
	srv := relaytest.New(t, relaytest.EOSE)
	_, m := start(t, []*relaytest.Server{srv}, nil, query.WithCancelGrace(50*time.Millisecond))
	sink := &collector{}
	q := m.Query(notes("live", query.LeaveOpen(), query.WithSink(sink)))
	wait(t, q)
	assert.True(t, q.IsOpen())
	sub := srv.Frames(envelopes.LabelReq)[0].Sub()
	live := note("live")
	srv.Broadcast(&envelopes.Event{Sub: sub, Event: live})
	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 5*time.Second,
		5*time.Millisecond)
	assert.Empty(t, srv.Frames(envelopes.LabelClose))

	q.Cancel()
	assert.False(t, q.IsOpen())
	closes := srv.Await(t, envelopes.LabelClose, 1)
	assert.Equal(t, sub, closes[0].Sub())
	require.Eventually(t, func() bool { return m.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestCancelGraceKeepsQuery(t *testing.T) {
	srv := relaytest.New(t, relaytest.EOSE)
	_, m := start(t, []*relaytest.Server{srv}, nil, query.WithCancelGrace(200*time.Millisecond))
	r := notes("again", query.LeaveOpen())
	q := m.Query(r)
	wait(t, q)
	q.Cancel()
	assert.Same(t, q, m.Query(r), "re-subscribing returns the same query")
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, srv.Frames(envelopes.LabelClose))
	assert.Len(t, srv.Frames(envelopes.LabelReq), 1)
}

func TestLaterFiltersSendOnlyTheDiff(t *testing.T) {
	srv := relaytest.New(t, relaytest.EOSE)
	_, m := start(t, []*relaytest.Server{srv}, nil)
	r := query.NewRequest("people")
	r.Filter().Kinds(kind.TextNote).Authors(alice)
	wait(t, m.Query(r))

	more := query.NewRequest("people")
	more.Filter().Kinds(kind.TextNote).Authors(alice, bob)
	q := m.Query(more)
	reqs := srv.Await(t, envelopes.LabelReq, 2)
	authors := reqs[1][2].Get("authors").Array()
	require.Len(t, authors, 1)
	assert.Equal(t, bob, authors[0].Str)
	assert.NotEqual(t, reqs[0].Sub(), reqs[1].Sub())
	assert.Len(t, q.Filters(), 2)
}

func TestDroppedOnDisconnect(t *testing.T) {
	srv := relaytest.New(t, relaytest.Silent)
	_, m := start(t, []*relaytest.Server{srv}, nil)
	q := m.Query(notes("dropped"))
	srv.Await(t, envelopes.LabelReq, 1)
	srv.Drop()
	wait(t, q)
	traces := q.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, query.Dropped, traces[0].State)
	assert.True(t, traces[0].Forced)
}

func TestReissueOnReconnect(t *testing.T) {
	srv := relaytest.New(t, relaytest.EOSE)
	_, m := start(t, []*relaytest.Server{srv}, nil)
	q := m.Query(notes("resume", query.LeaveOpen()))
	wait(t, q)
	srv.Drop()
	reqs := srv.Await(t, envelopes.LabelReq, 2)
	assert.Equal(t, reqs[0].Sub(), reqs[1].Sub(), "same subscription on the new session")
	assert.Equal(t, 2, srv.Connects())
}

func TestFetchAndResume(t *testing.T) {
	m1 := note("m1")
	srv := relaytest.New(t, serving(m1))
	_, m := start(t, []*relaytest.Server{srv}, nil, query.WithCancelGrace(10*time.Millisecond))
	c, cancel := context.Timeout(context.Bg(), 5*time.Second)
	defer cancel()
	evs, err := m.Fetch(c, notes("once"))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, m1.ID, evs[0].ID)
	require.Eventually(t, func() bool { return m.Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	q := m.Query(notes("once"))
	snap := q.Snapshot()
	require.Len(t, snap, 1, "a recreated query starts from the cached snapshot")
	assert.Equal(t, m1.ID, snap[0].ID)
}

func TestFetchContextEnds(t *testing.T) {
	srv := relaytest.New(t, relaytest.Silent)
	_, m := start(t, []*relaytest.Server{srv}, nil)
	c, cancel := context.Timeout(context.Bg(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Fetch(c, notes("hang", query.Timeout(time.Minute)))
	assert.ErrorIs(t, err, context.Deadline)
}

func TestUnattachedQuery(t *testing.T) {
	var q query.Query
	assert.ErrorIs(t, q.Wait(context.Bg()), query.ErrNotAttached)
	assert.Zero(t, q.Progress())
}

// negentropyRelay reconciles NEG-OPEN against held and serves REQs for ids.
func negentropyRelay(t *testing.T, held []*event.T) relaytest.Handler {
	var mx sync.Mutex
	var n *negentropy.T
	byID := make(map[string]*event.T)
	for _, ev := range held {
		byID[ev.ID] = ev
	}
	return func(s *relaytest.Session, f relaytest.Frame) {
		mx.Lock()
		defer mx.Unlock()
		var msg string
		switch f.Label() {
		case envelopes.LabelNegOpen:
			st := negentropy.NewStorage()
			for _, ev := range held {
				assert.NoError(t, st.InsertHex(ev.CreatedAt.U64(), ev.ID))
			}
			st.Seal()
			var err error
			if n, err = negentropy.New(st, 0); !assert.NoError(t, err) {
				return
			}
			msg = f[3].Str
		case envelopes.LabelNegMsg:
			msg = f[2].Str
		case envelopes.LabelReq:
			for _, id := range f[2].Get("ids").Array() {
				if ev, ok := byID[id.Str]; ok {
					s.Send(&envelopes.Event{Sub: f.Sub(), Event: ev})
				}
			}
			s.Send(&envelopes.EOSE{Sub: f.Sub()})
			return
		default:
			return
		}
		q, err := hex.DecodeString(msg)
		if !assert.NoError(t, err) {
			return
		}
		out, _, _, err := n.Reconcile(q)
		if !assert.NoError(t, err) {
			return
		}
		s.Send(&envelopes.NegMsg{Sub: f.Sub(), Message: hex.EncodeToString(out)})
	}
}

func TestSyncFromNegentropy(t *testing.T) {
	var held []*event.T
	for i := 0; i < 5; i++ {
		held = append(held, note(fmt.Sprint(i)))
	}
	srv := relaytest.New(t, negentropyRelay(t, held))
	_, m := start(t, []*relaytest.Server{srv},
		[]relay.Option{relay.WithInfo(&relayinfo.T{Negentropy: "v1"})})
	q := m.Query(notes("sync", query.SyncFrom(held[:3]...)))
	wait(t, q)
	var got []string
	for _, ev := range q.Snapshot() {
		got = append(got, ev.ID)
	}
	assert.ElementsMatch(t, []string{held[3].ID, held[4].ID}, got)
	require.Len(t, srv.Frames(envelopes.LabelNegOpen), 1)
	reqs := srv.Frames(envelopes.LabelReq)
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0][2].Get("ids").Array(), 2)
	assert.Equal(t, query.Closed, q.Traces()[0].State)
}

func TestRangeSyncManyWindows(t *testing.T) {
	held := note("old")
	held.CreatedAt = timestamp.FromTime(time.Now().Add(-10 * 24 * time.Hour))
	held.ID = held.GetID()
	srv := relaytest.New(t, func(s *relaytest.Session, f relaytest.Frame) {
		if f.Label() == envelopes.LabelReq {
			time.Sleep(40 * time.Millisecond)
			s.Send(&envelopes.EOSE{Sub: f.Sub()})
		}
	})
	so := syncflow.DefaultOptions()
	so.Method = syncflow.RangeSync
	_, m := start(t, []*relaytest.Server{srv}, nil, query.WithSyncOptions(so))

	// twenty 12h windows take longer than the timeout, but each one is quick
	q := m.Query(notes("backfill", query.SyncFrom(held),
		query.Timeout(300*time.Millisecond)))
	wait(t, q)
	assert.Len(t, srv.Frames(envelopes.LabelReq), 20)
	traces := q.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, query.Closed, traces[0].State)
	assert.False(t, traces[0].Forced)
	srv.Await(t, envelopes.LabelClose, 1)
}
