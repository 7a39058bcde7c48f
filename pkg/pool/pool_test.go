package pool_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/pool"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/relay/relaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, opts ...pool.Option) *pool.Pool {
	p := pool.New(append([]pool.Option{
		pool.WithRelayOptions(relay.WithFetcher(nil)),
	}, opts...)...)
	t.Cleanup(p.Close)
	return p
}

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

// acker answers EVENT with OK, rejecting content that starts with "no".
func acker(s *relaytest.Session, f relaytest.Frame) {
	if f.Label() == envelopes.LabelEvent {
		s.Send(&envelopes.OK{
			ID:     f[1].Get("id").Str,
			OK:     !strings.HasPrefix(f[1].Get("content").Str, "no"),
			Reason: "blocked:",
		})
	}
}

func TestConnectIsSerialized(t *testing.T) {
	srv := relaytest.New(t, relaytest.Silent)
	p := newPool(t)
	var wg sync.WaitGroup
	conns := make([]*relay.Connection, 8)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Connect(context.Bg(), srv.Address, relay.ReadWrite, false)
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()
	for _, c := range conns[1:] {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, 1, srv.Connects())
	assert.Equal(t, 1, p.Len())
}

func TestEphemeralUpgradeOnly(t *testing.T) {
	srv := relaytest.New(t, relaytest.Silent)
	p := newPool(t)
	c, err := p.Connect(context.Bg(), srv.Address, relay.ReadWrite, true)
	require.NoError(t, err)
	assert.True(t, c.Ephemeral())
	_, err = p.Connect(context.Bg(), srv.Address, relay.ReadWrite, false)
	require.NoError(t, err)
	assert.False(t, c.Ephemeral())
	_, err = p.Connect(context.Bg(), srv.Address, relay.ReadWrite, true)
	require.NoError(t, err)
	assert.False(t, c.Ephemeral(), "permanent never becomes ephemeral")
}

func TestConnectReopensClosed(t *testing.T) {
	srv := relaytest.New(t, relaytest.Silent)
	p := newPool(t)
	c, err := p.Connect(context.Bg(), srv.Address, relay.ReadWrite, false)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	again, err := p.Connect(context.Bg(), srv.Address, relay.ReadWrite, false)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.True(t, again.IsOpen())
	assert.Equal(t, 2, srv.Connects())
}

func TestConnectFailures(t *testing.T) {
	p := newPool(t)
	_, err := p.Connect(context.Bg(), "", relay.ReadWrite, false)
	assert.ErrorIs(t, err, pool.ErrInvalidAddress)
	_, err = p.Connect(context.Bg(), "ws://127.0.0.1:1", relay.ReadWrite, false)
	assert.Error(t, err)
	assert.Equal(t, 0, p.Len(), "failed connections are not kept")
	assert.ErrorIs(t, p.Disconnect("wss://nowhere.example"), pool.ErrNoSuchRelay)
}

func TestListen(t *testing.T) {
	m := note("hi")
	srv := relaytest.New(t, func(s *relaytest.Session, f relaytest.Frame) {
		if f.Label() == envelopes.LabelReq {
			s.Send(&envelopes.Event{Sub: f.Sub(), Event: m})
			s.Send(&envelopes.EOSE{Sub: f.Sub()})
		}
	})
	other := relaytest.New(t, func(s *relaytest.Session, f relaytest.Frame) {
		if f.Label() == envelopes.LabelReq {
			s.Send(&envelopes.Event{Sub: f.Sub(), Event: m})
		}
	})
	p := newPool(t)
	lc, cancel := context.Cancel(context.Bg())
	first := p.Listen(lc)
	c2, cancel2 := context.Cancel(context.Bg())
	defer cancel2()
	second := p.Listen(c2)

	c, err := p.Connect(context.Bg(), srv.Address, relay.ReadWrite, false)
	require.NoError(t, err)
	require.NoError(t, c.Request("s", filter.S{{}}))
	for _, ch := range []<-chan relay.Message{first, second} {
		var got []string
		timeout := time.After(5 * time.Second)
	loop:
		for {
			select {
			case msg := <-ch:
				switch msg.(type) {
				case *relay.Connected:
					got = append(got, "connected")
				case *relay.Event:
					got = append(got, "event")
				case *relay.EOSE:
					got = append(got, "eose")
					break loop
				}
			case <-timeout:
				t.Fatal("timed out")
			}
		}
		assert.Equal(t, []string{"connected", "event", "eose"}, got)
	}

	o, err := p.Connect(context.Bg(), other.Address, relay.ReadWrite, false)
	require.NoError(t, err)
	require.NoError(t, o.Request("s", filter.S{{}}))
	require.Eventually(t, func() bool { return len(p.Seen(m.ID)) == 2 },
		5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{srv.Address, other.Address}, p.Seen(m.ID))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-first:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond, "listener channel closes with its context")
}

func TestBroadcast(t *testing.T) {
	good := relaytest.New(t, acker)
	picky := relaytest.New(t, func(s *relaytest.Session, f relaytest.Frame) {
		if f.Label() == envelopes.LabelEvent {
			s.Send(&envelopes.OK{ID: f[1].Get("id").Str, OK: false, Reason: "blocked: no"})
		}
	})
	reader := relaytest.New(t, acker)
	temp := relaytest.New(t, acker)
	inbox := relaytest.New(t, acker)

	p := newPool(t, pool.WithReplyRelays(func(c context.T, ev *event.T) []string {
		return []string{inbox.Address, good.Address, "ws://127.0.0.1:1"}
	}))
	for _, a := range []string{good.Address, picky.Address} {
		_, err := p.Connect(context.Bg(), a, relay.ReadWrite, false)
		require.NoError(t, err)
	}
	_, err := p.Connect(context.Bg(), reader.Address, relay.Settings{Read: true}, false)
	require.NoError(t, err)
	_, err = p.Connect(context.Bg(), temp.Address, relay.ReadWrite, true)
	require.NoError(t, err)

	res := p.Broadcast(context.Bg(), note("hello"))
	byRelay := make(map[string]pool.Result)
	for _, r := range res {
		byRelay[r.Relay] = r
	}
	require.Len(t, res, 4)
	assert.True(t, byRelay[good.Address].OK)
	assert.False(t, byRelay[picky.Address].OK)
	assert.Equal(t, "blocked: no", byRelay[picky.Address].Message)
	assert.True(t, byRelay[inbox.Address].OK, "inbox relay reached over a temporary connection")
	assert.Error(t, byRelay["ws://127.0.0.1:1"].Err)
	assert.Empty(t, reader.Frames(envelopes.LabelEvent), "read relays are not written to")
	assert.Empty(t, temp.Frames(envelopes.LabelEvent), "ephemeral connections are skipped")
	_, pooled := p.Get(inbox.Address)
	assert.False(t, pooled)
	assert.Len(t, good.Frames(envelopes.LabelEvent), 1)
}

func TestBroadcastTo(t *testing.T) {
	srv := relaytest.New(t, acker)
	p := newPool(t)
	r := p.BroadcastTo(context.Bg(), srv.Address, note("direct"))
	require.NoError(t, r.Err)
	assert.True(t, r.OK)
	r = p.BroadcastTo(context.Bg(), srv.Address, note("no thanks"))
	require.NoError(t, r.Err)
	assert.False(t, r.OK)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 2, srv.Connects())
}
