// Package system wires the connection pool, outbox model and query manager
// together from a configuration, and exposes the operations a client uses:
// named subscriptions, one-shot fetches and publishing.
package system

import (
	"errors"
	"os"

	"github.com/Hubmakerlabs/syncr/pkg/config"
	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/metrics"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/outbox"
	"github.com/Hubmakerlabs/syncr/pkg/pool"
	"github.com/Hubmakerlabs/syncr/pkg/query"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var log, chk = slog.New(os.Stderr)

var ErrNoRelays = errors.New("no relay could be connected")

type T struct {
	cfg     *config.Config
	Pool    *pool.Pool
	Outbox  *outbox.Model
	Queries *query.Manager

	auth   relay.Authenticator
	dir    outbox.Directory
	clock  clockwork.Clock
	cancel context.F
}

type Option func(s *T)

// WithAuthenticator answers relay AUTH challenges.
func WithAuthenticator(a relay.Authenticator) Option { return func(s *T) { s.auth = a } }

// WithDirectory replaces the in-memory relay list directory.
func WithDirectory(d outbox.Directory) Option { return func(s *T) { s.dir = d } }

func WithClock(c clockwork.Clock) Option { return func(s *T) { s.clock = c } }

func New(cfg *config.Config, opts ...Option) (s *T, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	s = &T{cfg: cfg, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	if s.dir == nil {
		s.dir = outbox.NewMemoryDirectory()
	}
	s.Outbox = outbox.New(s.dir,
		outbox.WithLoader(s.loadRelayLists),
		outbox.WithPickN(cfg.PickN),
		outbox.WithTTL(cfg.RelayListTTL.D()),
		outbox.WithClock(s.clock),
	)
	relayOpts := []relay.Option{
		relay.WithClock(s.clock),
		relay.WithBackoff(cfg.Backoff()),
		relay.WithTimeouts(cfg.Timeouts()),
	}
	if s.auth != nil {
		relayOpts = append(relayOpts, relay.WithAuthenticator(s.auth))
	}
	s.Pool = pool.New(
		pool.WithRelayOptions(relayOpts...),
		pool.WithReplyRelays(s.replyRelays),
	)
	so := cfg.SyncOptions()
	so.Clock = s.clock
	s.Queries = query.NewManager(s.Pool,
		query.WithRouter(s.Outbox),
		query.WithClock(s.clock),
		query.WithTraceTimeout(cfg.TraceTimeout.D()),
		query.WithGroupingDelay(cfg.GroupingDelay.D()),
		query.WithCancelGrace(cfg.CancelGrace.D()),
		query.WithIntervals(cfg.SweepInterval.D(), cfg.CleanupInterval.D()),
		query.WithCache(cfg.CacheSize, cfg.CacheTTL.D()),
		query.WithSyncOptions(so),
	)
	return
}

// Start connects the default relays and starts the query manager. It fails
// only when relays were configured and none of them could be reached.
func (s *T) Start(c context.T) (err error) {
	c, s.cancel = context.Cancel(c)
	s.Queries.Start(c)
	if s.cfg.Metrics != "" {
		go func() { chk.E(metrics.Serve(c, s.cfg.Metrics)) }()
	}
	var g errgroup.Group
	errs := make([]error, len(s.cfg.Relays))
	for i, addr := range s.cfg.Relays {
		g.Go(func() error {
			_, errs[i] = s.Pool.Connect(c, addr, relay.ReadWrite, false)
			if errs[i] != nil {
				log.W.F("{%s} %v", addr, errs[i])
			}
			return nil
		})
	}
	chk.T(g.Wait())
	if len(errs) > 0 && s.Pool.Len() == 0 {
		return errors.Join(append([]error{ErrNoRelays}, errs...)...)
	}
	return
}

func (s *T) Close() {
	s.Queries.Stop()
	s.Pool.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe opens, or adds to, the named subscription of req.
func (s *T) Subscribe(req *query.Request) *query.Query { return s.Queries.Query(req) }

// Unsubscribe cancels the named subscription. It goes away after the grace
// period unless subscribed to again.
func (s *T) Unsubscribe(id string) {
	if q, ok := s.Queries.Get(id); ok {
		q.Cancel()
	}
}

// Fetch runs req once and returns what arrived before every relay finished.
func (s *T) Fetch(c context.T, req *query.Request) ([]*event.T, error) {
	return s.Queries.Fetch(c, req)
}

// Publish sends ev to every write relay and to the inboxes of the people it
// tags.
func (s *T) Publish(c context.T, ev *event.T) []pool.Result { return s.Pool.Broadcast(c, ev) }

// PublishTo sends ev to one relay.
func (s *T) PublishTo(c context.T, address string, ev *event.T) pool.Result {
	return s.Pool.BroadcastTo(c, address, ev)
}

func (s *T) permanent() (out []string) {
	for _, conn := range s.Pool.Relays() {
		if !conn.Ephemeral() {
			out = append(out, conn.Address)
		}
	}
	return
}

// loadRelayLists asks the default relays for the relay lists of authors.
// The request is pinned so it is not itself routed through the outbox.
func (s *T) loadRelayLists(c context.T, authors []string) (evs []*event.T, err error) {
	relays := s.permanent()
	if len(relays) == 0 {
		return
	}
	req := query.NewRequest("relay-lists:" + authors[0])
	req.Filter().Kinds(kind.RelayListMetadata, kind.FollowList).Authors(authors...).Relay(relays...)
	c, cancel := context.Bounded(c, 2*s.cfg.TraceTimeout.D())
	defer cancel()
	if evs, err = s.Fetch(c, req); errors.Is(err, context.Deadline) {
		err = nil
	}
	return
}

func (s *T) replyRelays(c context.T, ev *event.T) (relays []string) {
	var err error
	if relays, err = s.Outbox.ForReply(c, ev, s.cfg.PickN); chk.D(err) {
		return nil
	}
	return
}
