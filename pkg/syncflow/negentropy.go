package syncflow

import (
	"encoding/hex"
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/negentropy"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
)

// NegentropyFlow reconciles one filter's worth of events with a relay, then
// requests the ids it turned out to be missing under the same subscription.
type NegentropyFlow struct {
	c      Conn
	sub    string
	held   []*event.T
	filter *filter.T
	opts   Options
	neg    *negentropy.T
	need   []string
	// have are ids held locally that the relay lacks.
	have   []string
	rounds int
	// next takes over once the exchange has been abandoned for a fallback.
	next     Flow
	finished bool
}

func NewNegentropyFlow(c Conn, sub string, have []*event.T, f *filter.T,
	o Options) (n *NegentropyFlow, err error) {

	s := negentropy.NewStorage()
	for _, ev := range have {
		if err := s.InsertHex(ev.CreatedAt.U64(), ev.ID); err != nil {
			log.D.F("skipping event with bad id %q: %v", ev.ID, err)
		}
	}
	s.Seal()
	n = &NegentropyFlow{c: c, sub: sub, held: have, filter: f, opts: o.normalize()}
	if n.neg, err = negentropy.New(s, n.opts.FrameLimit); err != nil {
		return nil, err
	}
	return
}

// Need lists the ids found missing so far.
func (n *NegentropyFlow) Need() []string { return n.need }

// Have lists the ids found held locally but not by the relay so far.
func (n *NegentropyFlow) Have() []string { return n.have }

func (n *NegentropyFlow) Rounds() int { return n.rounds }

func (n *NegentropyFlow) Start() (err error) {
	var msg []byte
	if msg, err = n.neg.Initiate(); chk.E(err) {
		return
	}
	return n.c.SyncOpen(n.sub, n.filter, hex.EncodeToString(msg))
}

func (n *NegentropyFlow) Handle(m relay.Message) Step {
	if n.next != nil {
		return n.next.Handle(m)
	}
	if n.finished {
		return Pass
	}
	switch msg := m.(type) {
	case *relay.NegMsg:
		if msg.Sub != n.sub {
			return Pass
		}
		return n.reconcile(msg.Message)
	case *relay.NegErr:
		if msg.Sub != n.sub {
			return Pass
		}
		log.D.F("{%s} %s negentropy error: %s", n.c, n.sub, msg.Reason)
		negentropyResults.WithLabelValues("error").Inc()
		return n.fallback()
	case *relay.Notice:
		if !strings.Contains(msg.Message, "negentropy disabled") {
			return Pass
		}
		log.D.F("{%s} %s: %s", n.c, n.sub, msg.Message)
		negentropyResults.WithLabelValues("disabled").Inc()
		n.c.SyncClose(n.sub)
		n.fallback()
		// the notice is not addressed to any one subscription
		return Pass
	}
	return Pass
}

func (n *NegentropyFlow) reconcile(message string) Step {
	n.rounds++
	negentropyRounds.WithLabelValues().Inc()
	var err error
	var query, reply []byte
	var have, need [][]byte
	if query, err = hex.DecodeString(message); err == nil {
		reply, have, need, err = n.neg.Reconcile(query)
	}
	if err != nil {
		log.D.F("{%s} %s reconcile failed: %v", n.c, n.sub, err)
		negentropyResults.WithLabelValues("error").Inc()
		n.c.SyncClose(n.sub)
		return n.fallback()
	}
	n.need = append(n.need, negentropy.Hex(need)...)
	n.have = append(n.have, negentropy.Hex(have)...)
	if reply != nil {
		chk.D(n.c.SendRaw(&envelopes.NegMsg{Sub: n.sub, Message: hex.EncodeToString(reply)}))
		return Consumed
	}
	n.finished = true
	negentropyResults.WithLabelValues("ok").Inc()
	n.c.SyncClose(n.sub)
	log.D.F("{%s} %s reconciled in %d rounds, need %d, relay lacks %d", n.c, n.sub,
		n.rounds, len(n.need), len(n.have))
	if len(n.need) == 0 {
		return Empty
	}
	chk.D(n.c.Request(n.sub, filter.S{{IDs: n.need}}))
	return Consumed
}

func (n *NegentropyFlow) fallback() Step {
	n.finished = true
	var err error
	if n.next, err = fallback(n.c, n.sub, n.held, filter.S{n.filter}, n.opts); chk.D(err) {
		return Empty
	}
	return Consumed
}
