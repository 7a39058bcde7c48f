// Package pool owns the set of relay connections and fans their
// notifications out to listeners.
package pool

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/syncr/pkg/queue"
	"github.com/Hubmakerlabs/syncr/pkg/relay"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/fiatjaf/generic-ristretto/z"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrInvalidAddress = errors.New("invalid relay address")
	ErrNoSuchRelay    = errors.New("relay not in pool")
)

const (
	MAX_LOCKS          = 50
	DefaultSeenSize    = 10000
	DefaultTempTimeout = 10 * time.Second
)

var namedMutexPool = make([]sync.Mutex, MAX_LOCKS)

func namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MAX_LOCKS
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// ReplyRelays picks the inbox relays an event should also be delivered to.
type ReplyRelays func(c context.T, ev *event.T) []string

type Pool struct {
	relayOpts   []relay.Option
	replyRelays ReplyRelays
	tempTimeout time.Duration

	mx     sync.RWMutex
	relays map[string]*relay.Connection

	lmx       sync.RWMutex
	listeners map[*queue.T[relay.Message]]struct{}

	smx  sync.Mutex
	seen *lru.Cache[string, []string]
}

type Option func(p *Pool)

// WithRelayOptions are applied to every connection the pool creates.
func WithRelayOptions(opts ...relay.Option) Option {
	return func(p *Pool) { p.relayOpts = append(p.relayOpts, opts...) }
}

func WithReplyRelays(fn ReplyRelays) Option { return func(p *Pool) { p.replyRelays = fn } }

func WithTempTimeout(d time.Duration) Option { return func(p *Pool) { p.tempTimeout = d } }

func WithSeenSize(n int) Option {
	return func(p *Pool) {
		var err error
		if p.seen, err = lru.New[string, []string](n); chk.E(err) {
			p.seen, _ = lru.New[string, []string](DefaultSeenSize)
		}
	}
}

func New(opts ...Option) (p *Pool) {
	p = &Pool{
		relays:      make(map[string]*relay.Connection),
		listeners:   make(map[*queue.T[relay.Message]]struct{}),
		tempTimeout: DefaultTempTimeout,
	}
	p.seen, _ = lru.New[string, []string](DefaultSeenSize)
	for _, opt := range opts {
		opt(p)
	}
	return
}

// Connect returns the connection for address, creating and opening it if
// needed. An existing ephemeral connection becomes permanent when asked for
// as permanent, never the other way. A closed connection is reopened.
func (p *Pool) Connect(c context.T, address string, settings relay.Settings,
	ephemeral bool) (conn *relay.Connection, err error) {

	addr := normalize.URL(address)
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	defer namedLock(addr)()
	p.mx.RLock()
	conn, ok := p.relays[addr]
	p.mx.RUnlock()
	if ok {
		conn.SetSettings(settings)
		if conn.Ephemeral() && !ephemeral {
			conn.SetEphemeral(false)
		}
		if s := conn.State(); s == relay.StateClosed || s == relay.StateIdle {
			err = conn.Connect(c)
		}
		return
	}
	opts := append(slices.Clone(p.relayOpts),
		relay.WithSettings(settings),
		relay.WithEphemeral(ephemeral),
		relay.WithNotify(p.notify),
	)
	conn = relay.New(addr, opts...)
	p.mx.Lock()
	p.relays[addr] = conn
	p.mx.Unlock()
	if err = conn.Connect(c); err != nil {
		log.D.F("{%s} connect failed: %v", addr, err)
		p.mx.Lock()
		delete(p.relays, addr)
		p.mx.Unlock()
		chk.T(conn.Close())
		return nil, err
	}
	poolSize.WithLabelValues().Set(float64(p.Len()))
	return
}

// Disconnect closes and forgets the connection for address.
func (p *Pool) Disconnect(address string) (err error) {
	addr := normalize.URL(address)
	p.mx.Lock()
	conn, ok := p.relays[addr]
	delete(p.relays, addr)
	p.mx.Unlock()
	if !ok {
		return ErrNoSuchRelay
	}
	poolSize.WithLabelValues().Set(float64(p.Len()))
	return conn.Close()
}

func (p *Pool) Get(address string) (conn *relay.Connection, ok bool) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	conn, ok = p.relays[normalize.URL(address)]
	return
}

func (p *Pool) Len() int {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return len(p.relays)
}

// Relays lists the pooled connections ordered by address.
func (p *Pool) Relays() (s []*relay.Connection) {
	p.mx.RLock()
	for _, c := range p.relays {
		s = append(s, c)
	}
	p.mx.RUnlock()
	sort.Slice(s, func(i, j int) bool { return s[i].Address < s[j].Address })
	return
}

// Close closes every connection.
func (p *Pool) Close() {
	p.mx.Lock()
	relays := p.relays
	p.relays = make(map[string]*relay.Connection)
	p.mx.Unlock()
	for _, c := range relays {
		chk.T(c.Close())
	}
}

// Listen returns every notification from every pooled connection until c is
// done. Producers never block on a slow listener.
func (p *Pool) Listen(c context.T) <-chan relay.Message {
	q := queue.New[relay.Message]()
	ch := make(chan relay.Message)
	p.lmx.Lock()
	p.listeners[q] = struct{}{}
	p.lmx.Unlock()
	go func() {
		defer close(ch)
		defer func() {
			p.lmx.Lock()
			delete(p.listeners, q)
			p.lmx.Unlock()
		}()
		for {
			select {
			case <-c.Done():
				return
			case <-q.Wait():
				for _, m := range q.Drain() {
					select {
					case ch <- m:
					case <-c.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func (p *Pool) notify(m relay.Message) {
	if ev, ok := m.(*relay.Event); ok {
		p.markSeen(ev.Event.ID, ev.Relay().Address)
	}
	p.lmx.RLock()
	for q := range p.listeners {
		q.Push(m)
	}
	p.lmx.RUnlock()
}

func (p *Pool) markSeen(id, addr string) {
	p.smx.Lock()
	defer p.smx.Unlock()
	relays, _ := p.seen.Get(id)
	if slices.Contains(relays, addr) {
		return
	}
	p.seen.Add(id, append(slices.Clone(relays), addr))
}

// Seen lists the relays an event id has been received from, as far as the
// bounded history remembers.
func (p *Pool) Seen(id string) []string {
	p.smx.Lock()
	defer p.smx.Unlock()
	relays, _ := p.seen.Get(id)
	return slices.Clone(relays)
}
