package system_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/config"
	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/syncr/pkg/query"
	"github.com/Hubmakerlabs/syncr/pkg/relay/relaytest"
	"github.com/Hubmakerlabs/syncr/pkg/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = strings.Repeat("ab", 32)

func signed(k kind.T, content string, tt ...tags.Tag) (ev *event.T) {
	ev = &event.T{PubKey: alice, CreatedAt: timestamp.T(1700000000), Kind: k,
		Content: content, Tags: tags.T(tt)}
	ev.ID = ev.GetID()
	return
}

// scripted serves evs matching each REQ's kinds and acknowledges every EVENT.
func scripted(evs ...*event.T) relaytest.Handler {
	return func(s *relaytest.Session, f relaytest.Frame) {
		switch f.Label() {
		case envelopes.LabelReq:
			for _, ev := range evs {
				for _, k := range f[2].Get("kinds").Array() {
					if kind.T(k.Int()) == ev.Kind {
						s.Send(&envelopes.Event{Sub: f.Sub(), Event: ev})
					}
				}
			}
			s.Send(&envelopes.EOSE{Sub: f.Sub()})
		case envelopes.LabelEvent:
			s.Send(&envelopes.OK{ID: f[1].Get("id").Str, OK: true})
		}
	}
}

func newSystem(t *testing.T, relays ...string) *system.T {
	cfg := config.Default()
	cfg.Relays = relays
	cfg.GroupingDelay = config.Duration(10 * time.Millisecond)
	cfg.CancelGrace = config.Duration(20 * time.Millisecond)
	cfg.CleanupInterval = config.Duration(20 * time.Millisecond)
	s, err := system.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Bg()))
	t.Cleanup(s.Close)
	return s
}

func TestFetchAndPublish(t *testing.T) {
	hello := signed(kind.TextNote, "hello")
	srv := relaytest.New(t, scripted(hello))
	s := newSystem(t, srv.Address)

	req := query.NewRequest("notes")
	req.Filter().Kinds(kind.TextNote)
	c, cancel := context.Timeout(context.Bg(), 5*time.Second)
	defer cancel()
	evs, err := s.Fetch(c, req)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, hello.ID, evs[0].ID)

	res := s.Publish(c, signed(kind.TextNote, "reply"))
	require.Len(t, res, 1)
	assert.True(t, res[0].OK)
	assert.NoError(t, res[0].Err)

	r := s.PublishTo(c, srv.Address, signed(kind.TextNote, "direct"))
	assert.True(t, r.OK)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	srv := relaytest.New(t, scripted())
	s := newSystem(t, srv.Address)
	req := query.NewRequest("live", query.LeaveOpen())
	req.Filter().Kinds(kind.TextNote)
	q := s.Subscribe(req)
	c, cancel := context.Timeout(context.Bg(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(c))
	assert.Empty(t, srv.Frames(envelopes.LabelClose))
	s.Unsubscribe("live")
	srv.Await(t, envelopes.LabelClose, 1)
	require.Eventually(t, func() bool { return s.Queries.Len() == 0 }, 5*time.Second,
		5*time.Millisecond)
}

func TestAuthorsRoutedThroughRelayLists(t *testing.T) {
	note := signed(kind.TextNote, "from the outbox")
	home := relaytest.New(t, scripted(note))
	lists := relaytest.New(t, scripted(signed(kind.RelayListMetadata, "",
		tags.Tag{"r", home.Address})))
	s := newSystem(t, lists.Address)

	req := query.NewRequest("alice")
	req.Filter().Kinds(kind.TextNote).Authors(alice)
	c, cancel := context.Timeout(context.Bg(), 5*time.Second)
	defer cancel()
	_, err := s.Fetch(c, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		l, ok := s.Outbox.Directory().Get(alice)
		return ok && len(l.Relays) == 1
	}, 5*time.Second, 5*time.Millisecond, "the relay list is loaded in the background")

	again := query.NewRequest("alice-again")
	again.Filter().Kinds(kind.TextNote).Authors(alice)
	evs, err := s.Fetch(c, again)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, note.ID, evs[0].ID)
	assert.NotEmpty(t, home.Frames(envelopes.LabelReq), "alice's write relay was asked")
}

func TestStartFailsWithoutRelays(t *testing.T) {
	cfg := config.Default()
	cfg.Relays = []string{"ws://127.0.0.1:1"}
	cfg.ConnectTimeout = config.Duration(time.Second)
	s, err := system.New(cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.Start(context.Bg()), system.ErrNoRelays)
}

func TestNewValidates(t *testing.T) {
	cfg := config.Default()
	cfg.SyncMethod = "nope"
	_, err := system.New(cfg)
	assert.ErrorIs(t, err, config.ErrSyncMethod)
}
