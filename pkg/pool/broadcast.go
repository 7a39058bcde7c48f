package pool

import (
	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of delivering an event to one relay. Err is set
// when the relay could not be reached or written to at all.
type Result struct {
	Relay   string
	OK      bool
	Message string
	Err     error
}

// Broadcast publishes ev to every permanent write connection and to the
// reply inbox relays that are not pooled. One failed relay never fails the
// others.
func (p *Pool) Broadcast(c context.T, ev *event.T) (res []Result) {
	var targets []*relay.Connection
	for _, conn := range p.Relays() {
		if !conn.Ephemeral() && conn.Settings().Write {
			targets = append(targets, conn)
		}
	}
	var extra []string
	if p.replyRelays != nil {
		for _, a := range normalize.URLs(p.replyRelays(c, ev)) {
			if _, ok := p.Get(a); !ok && !slices.Contains(extra, a) {
				extra = append(extra, a)
			}
		}
	}
	res = make([]Result, len(targets)+len(extra))
	var g errgroup.Group
	for i, conn := range targets {
		g.Go(func() error {
			ack, err := conn.Publish(c, ev)
			res[i] = Result{Relay: ack.Relay, OK: ack.OK, Message: ack.Message, Err: err}
			return nil
		})
	}
	for j, a := range extra {
		g.Go(func() error {
			res[len(targets)+j] = p.BroadcastTo(c, a, ev)
			return nil
		})
	}
	chk.T(g.Wait())
	for _, r := range res {
		switch {
		case r.Err != nil:
			broadcastResults.WithLabelValues("error").Inc()
		case r.OK:
			broadcastResults.WithLabelValues("ok").Inc()
		default:
			broadcastResults.WithLabelValues("rejected").Inc()
		}
	}
	return
}

// BroadcastTo publishes ev to one relay, through the pooled connection if
// there is one, otherwise over a temporary connection that is closed after.
func (p *Pool) BroadcastTo(c context.T, address string, ev *event.T) (r Result) {
	addr := normalize.URL(address)
	r.Relay = addr
	if addr == "" {
		r.Err = ErrInvalidAddress
		return
	}
	if conn, ok := p.Get(addr); ok {
		ack, err := conn.Publish(c, ev)
		return Result{Relay: addr, OK: ack.OK, Message: ack.Message, Err: err}
	}
	tc, cancel := context.Timeout(c, p.tempTimeout)
	defer cancel()
	opts := append(slices.Clone(p.relayOpts),
		relay.WithEphemeral(true), relay.WithSettings(relay.ReadWrite))
	conn := relay.New(addr, opts...)
	defer conn.Close()
	if r.Err = conn.Connect(tc); r.Err != nil {
		return
	}
	ack, err := conn.Publish(tc, ev)
	return Result{Relay: addr, OK: ack.OK, Message: ack.Message, Err: err}
}
