// Package relay is a resilient session with one relay. It reconnects with
// backoff, admits subscriptions up to the relay's limit, holds traffic
// during authentication and reports everything it sees as Message values.
package relay

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/connection"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/relayinfo"
	"github.com/Hubmakerlabs/syncr/pkg/queue"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrClosed          = errors.New("connection closed")
	ErrReadOnly        = errors.New("not a write relay")
	ErrNoAuthenticator = errors.New("no authenticator configured")
	ErrNoChallenge     = errors.New("relay has not sent an auth challenge")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "idle"
}

// frame is one encoded client message. Frames carrying a subscription are
// REQ or NEG-OPEN and count against admission.
type frame struct {
	sub   string
	data  []byte
	seq   uint64
	wired atomic.Bool
}

func (f *frame) isRequest() bool { return f.sub != "" }

type Connection struct {
	Address string

	clock    clockwork.Clock
	notify   func(Message)
	settings Settings
	auth     Authenticator
	verify   Verifier
	backoff  Backoff
	timeouts Timeouts
	header   http.Header
	fetcher  *relayinfo.Fetcher

	ephemeral atomic.Bool
	activity  atomic.Int64
	seq       atomic.Uint64

	mx          sync.Mutex
	state       State
	session     string
	info        *relayinfo.T
	infoFetched bool
	closing     bool
	wasUp       bool
	failures    int
	reconnect   clockwork.Timer
	sock        *connection.C
	cancel      context.F
	out         *queue.T[*frame]
	active      map[string]*frame
	admission   []*frame
	pending     []*frame
	challenge   string
	authPending bool
	authed      bool

	okCallbacks *xsync.MapOf[string, func(ok bool, reason string)]
}

// New creates a Connection for address. Nothing is dialled until Connect.
func New(address string, opts ...Option) (c *Connection) {
	c = &Connection{
		Address:     normalize.URL(address),
		clock:       clockwork.NewRealClock(),
		notify:      func(Message) {},
		settings:    ReadWrite,
		verify:      func(ev *event.T) bool { return ev.CheckID() },
		backoff:     DefaultBackoff(),
		timeouts:    DefaultTimeouts(),
		fetcher:     relayinfo.NewFetcher(1),
		session:     uuid.NewString(),
		active:      make(map[string]*frame),
		okCallbacks: xsync.NewMapOf[func(bool, string)](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return
}

func (c *Connection) String() string { return c.Address }

// Session is the id of the current socket. It changes on every reconnect.
func (c *Connection) Session() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.session
}

func (c *Connection) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Connection) IsOpen() bool { return c.State() == StateOpen }

func (c *Connection) Ephemeral() bool { return c.ephemeral.Load() }

// SetEphemeral marks the connection for idle close. The pool only ever
// clears it.
func (c *Connection) SetEphemeral(e bool) { c.ephemeral.Store(e) }

func (c *Connection) Settings() Settings {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.settings
}

func (c *Connection) SetSettings(s Settings) {
	c.mx.Lock()
	c.settings = s
	c.mx.Unlock()
}

// Info is the relay information document, or nil if it is not known.
func (c *Connection) Info() *relayinfo.T {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.info
}

func (c *Connection) SupportsNIP(n int) bool { return c.Info().HasNIP(n) }

// Delay is the wait before the next reconnect attempt.
func (c *Connection) Delay() (d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.backoff.Delay(c.failures)
}

// Active lists admitted subscription ids in the order they were requested.
func (c *Connection) Active() (ids []string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, f := range c.activeOrdered() {
		ids = append(ids, f.sub)
	}
	return
}

// Queued lists subscription ids waiting for admission.
func (c *Connection) Queued() (ids []string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, f := range c.admission {
		ids = append(ids, f.sub)
	}
	return
}

func (c *Connection) maxSubscriptions() int { return c.info.MaxSubscriptions() }

func (c *Connection) activeOrdered() (s []*frame) {
	for _, f := range c.active {
		s = append(s, f)
	}
	sort.Slice(s, func(i, j int) bool { return s[i].seq < s[j].seq })
	return
}

func (c *Connection) touch() { c.activity.Store(c.clock.Now().UnixNano()) }

// Connect opens the socket. It returns at once if the connection is open,
// connecting, or waiting on a reconnect timer. The first call fetches the
// relay information document; failures there are ignored.
func (c *Connection) Connect(cx context.T) (err error) {
	c.mx.Lock()
	if c.state == StateOpen || c.state == StateConnecting || c.reconnect != nil {
		c.mx.Unlock()
		return
	}
	c.closing = false
	c.state = StateConnecting
	fetch := !c.infoFetched && c.fetcher != nil
	fetcher := c.fetcher
	c.mx.Unlock()
	if fetch {
		info, e := fetcher.Fetch(cx, c.Address)
		c.mx.Lock()
		if e == nil {
			c.info = info
		} else {
			log.D.F("{%s} no relay information: %v", c.Address, e)
		}
		c.infoFetched = true
		c.mx.Unlock()
	}
	dc, cancel := context.Bounded(cx, c.timeouts.Connect)
	defer cancel()
	var sock *connection.C
	sock, err = connection.Dial(dc, c.Address, c.header, 0)
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closing {
		if sock != nil {
			go sock.Close()
		}
		c.state = StateClosed
		return ErrClosed
	}
	if err != nil {
		log.D.F("{%s} %v", c.Address, err)
		c.state = StateClosed
		if c.wasUp {
			c.failures++
			c.scheduleReconnect()
		}
		c.notify(&Change{from{c}})
		connectFailures.WithLabelValues().Inc()
		return
	}
	reconnect := c.wasUp
	c.sock = sock
	c.session = uuid.NewString()
	c.state = StateOpen
	c.failures = 0
	c.wasUp = true
	c.authed = false
	var sc context.T
	sc, c.cancel = context.Cancel(context.Bg())
	c.out = queue.New[*frame]()
	go c.writeLoop(sc, sock, c.out, c.session)
	go c.readLoop(sc, sock, c.session)
	if c.ephemeral.Load() {
		go c.idleLoop(sc)
	}
	c.touch()
	connectionsOpened.WithLabelValues(boolLabel(reconnect)).Inc()
	log.D.F("{%s} open, session %s", c.Address, c.session)
	c.notify(&Connected{from{c}, reconnect})
	c.flush()
	return
}

func (c *Connection) scheduleReconnect() {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	d := c.backoff.Delay(c.failures)
	log.D.F("{%s} reconnecting in %v", c.Address, d)
	c.reconnect = c.clock.AfterFunc(d, func() {
		c.mx.Lock()
		c.reconnect = nil
		closing := c.closing
		c.mx.Unlock()
		if !closing {
			chk.D(c.Connect(context.Bg()))
		}
	})
}

// Close closes the socket and stops reconnecting. Every active or queued
// subscription is reported Closed.
func (c *Connection) Close() (err error) {
	c.mx.Lock()
	c.closing = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.failures = 0
	sock := c.teardown("closed by client")
	c.pending = nil
	c.mx.Unlock()
	if sock != nil {
		err = sock.Close()
	}
	return
}

// teardown ends the current session. The socket is returned so it can be
// closed without holding the lock.
func (c *Connection) teardown(reason string) (sock *connection.C) {
	wasOpen := c.state == StateOpen
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	sock, c.sock = c.sock, nil
	if c.out != nil {
		// frames not yet written go back to the front of the pending list
		c.pending = append(c.out.Drain(), c.pending...)
		c.out = nil
	}
	c.state = StateClosed
	if wasOpen {
		connectionsClosed.WithLabelValues().Inc()
		c.notify(&Disconnected{from{c}})
	}
	c.reset(reason)
	return
}

// reset drops every subscription the relay was holding for this session.
// Pending frames that are not subscriptions survive for the next open.
func (c *Connection) reset(reason string) {
	c.session = uuid.NewString()
	c.authPending, c.authed = false, false
	for _, f := range c.activeOrdered() {
		c.notify(&Closed{from{c}, f.sub, reason})
	}
	for _, f := range c.admission {
		c.notify(&Closed{from{c}, f.sub, reason})
	}
	clear(c.active)
	c.admission = nil
	kept := c.pending[:0]
	for _, f := range c.pending {
		if !f.isRequest() {
			kept = append(kept, f)
		}
	}
	c.pending = kept
}

func (c *Connection) lost(session string, err error) {
	c.mx.Lock()
	if c.session != session || c.state != StateOpen {
		c.mx.Unlock()
		return
	}
	log.D.F("{%s} connection lost: %v", c.Address, err)
	sock := c.teardown("connection closed")
	if c.wasUp && !c.closing {
		c.failures++
		c.scheduleReconnect()
	}
	c.mx.Unlock()
	if sock != nil {
		chk.T(sock.Conn.Close())
	}
}

func (c *Connection) authHeld() bool {
	if c.authed || c.auth == nil {
		return false
	}
	return c.authPending || c.info.AuthRequired()
}

// send writes f now if the socket is open and auth is not held, otherwise
// buffers it for the next flush.
func (c *Connection) send(f *frame) {
	if c.state != StateOpen || c.authHeld() || c.out == nil {
		c.pending = append(c.pending, f)
		return
	}
	c.out.Push(f)
}

func (c *Connection) flush() {
	if c.state != StateOpen || c.authHeld() || len(c.pending) == 0 {
		return
	}
	c.out.Push(c.pending...)
	c.pending = nil
}

func (c *Connection) encode(env envelopes.Envelope) (f *frame, err error) {
	f = &frame{seq: c.seq.Add(1)}
	if f.data, err = env.MarshalJSON(); chk.E(err) {
		return
	}
	return
}

// SendRaw writes an envelope that is not a subscription.
func (c *Connection) SendRaw(env envelopes.Envelope) (err error) {
	var f *frame
	if f, err = c.encode(env); err != nil {
		return
	}
	c.mx.Lock()
	c.send(f)
	c.mx.Unlock()
	return
}

// Request opens subscription sub, or queues it when the relay is at its
// subscription limit. Repeating an active id replaces it on the relay, and
// repeating a queued one replaces it in the queue.
func (c *Connection) Request(sub string, ff filter.S) error {
	return c.request(sub, &envelopes.Req{Sub: sub, Filters: ff})
}

// SyncOpen starts a negentropy exchange. It occupies a subscription slot
// until SyncClose, NEG-ERR or a reset.
func (c *Connection) SyncOpen(sub string, f *filter.T, msg string) error {
	return c.request(sub, &envelopes.NegOpen{Sub: sub, Filter: f, Message: msg})
}

func (c *Connection) request(sub string, env envelopes.Envelope) (err error) {
	var f *frame
	if f, err = c.encode(env); err != nil {
		return
	}
	f.sub = sub
	c.mx.Lock()
	defer c.mx.Unlock()
	if prev, ok := c.active[sub]; ok {
		f.seq = prev.seq
		c.active[sub] = f
		c.send(f)
		return
	}
	for i, queued := range c.admission {
		if queued.sub == sub {
			f.seq = queued.seq
			c.admission[i] = f
			return
		}
	}
	if len(c.active) >= c.maxSubscriptions() {
		c.admission = append(c.admission, f)
		log.D.F("{%s} queued %s, %d active", c.Address, sub, len(c.active))
		c.notify(&Change{from{c}})
		return
	}
	c.active[sub] = f
	c.send(f)
	return
}

// CloseRequest ends subscription sub. A request still waiting for admission
// is dropped without anything being sent.
func (c *Connection) CloseRequest(sub string) {
	c.closeSub(sub, &envelopes.Close{Sub: sub})
}

// SyncClose ends a negentropy exchange.
func (c *Connection) SyncClose(sub string) {
	c.closeSub(sub, &envelopes.NegClose{Sub: sub})
}

func (c *Connection) closeSub(sub string, env envelopes.Envelope) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.active[sub]; ok {
		delete(c.active, sub)
		if f, err := c.encode(env); err == nil {
			c.send(f)
		}
		c.promote()
		return
	}
	for i, f := range c.admission {
		if f.sub == sub {
			c.admission = append(c.admission[:i], c.admission[i+1:]...)
			return
		}
	}
}

// promote moves queued requests into free subscription slots.
func (c *Connection) promote() {
	for len(c.admission) > 0 && len(c.active) < c.maxSubscriptions() {
		f := c.admission[0]
		c.admission = c.admission[1:]
		c.active[f.sub] = f
		c.send(f)
	}
}

func (c *Connection) writeLoop(cx context.T, sock *connection.C,
	out *queue.T[*frame], session string) {

	ping := c.clock.NewTicker(c.timeouts.Ping)
	defer ping.Stop()
	var err error
	for {
		select {
		case <-cx.Done():
			return
		case <-ping.Chan():
			if err = sock.Ping(); err != nil {
				c.lost(session, err)
				return
			}
		case <-out.Wait():
			for _, f := range out.Drain() {
				if f.isRequest() {
					f.wired.Store(true)
					c.notify(&Sent{from{c}, f.sub})
				}
				if err = sock.WriteMessage(f.data); err != nil {
					c.lost(session, err)
					return
				}
				c.touch()
			}
		}
	}
}

func (c *Connection) readLoop(cx context.T, sock *connection.C, session string) {
	buf := new(bytes.Buffer)
	var err error
	for {
		buf.Reset()
		if err = sock.ReadMessage(cx, buf); err != nil {
			c.lost(session, err)
			return
		}
		c.touch()
		var env envelopes.Envelope
		if env, err = envelopes.Parse(buf.Bytes()); err != nil {
			log.D.F("{%s} dropping frame: %v: %.128s", c.Address, err, buf.String())
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(envelope envelopes.Envelope) {
	switch env := envelope.(type) {
	case *envelopes.Event:
		if env.Sub == "" || env.Event == nil {
			return
		}
		if !c.verify(env.Event) {
			log.D.F("{%s} rejecting invalid event %s", c.Address, env.Event.ID)
			return
		}
		c.notify(&Event{from{c}, env.Sub, env.Event})
	case *envelopes.EOSE:
		c.notify(&EOSE{from{c}, env.Sub})
	case *envelopes.Closed:
		c.mx.Lock()
		if envelopes.Prefix(env.Reason) == "auth-required" {
			// kept active, re-sent once authentication succeeds
			log.D.F("{%s} %s needs auth: %s", c.Address, env.Sub, env.Reason)
			c.mx.Unlock()
			return
		}
		if _, ok := c.active[env.Sub]; ok {
			delete(c.active, env.Sub)
			c.promote()
		}
		c.notify(&Closed{from{c}, env.Sub, env.Reason})
		c.mx.Unlock()
	case *envelopes.OK:
		if cb, ok := c.okCallbacks.LoadAndDelete(env.ID); ok {
			cb(env.OK, env.Reason)
		} else {
			log.D.F("{%s} unexpected OK for %s", c.Address, env.ID)
		}
	case *envelopes.Notice:
		log.D.F("{%s} NOTICE: %s", c.Address, env.Message)
		c.notify(&Notice{from{c}, env.Message})
	case *envelopes.AuthChallenge:
		go c.onChallenge(env.Challenge)
	case *envelopes.NegMsg:
		c.notify(&NegMsg{from{c}, env.Sub, env.Message})
	case *envelopes.NegErr:
		c.mx.Lock()
		if _, ok := c.active[env.Sub]; ok {
			delete(c.active, env.Sub)
			c.promote()
		}
		c.notify(&NegErr{from{c}, env.Sub, env.Reason})
		c.mx.Unlock()
	default:
		log.D.F("{%s} ignoring %s from relay", c.Address, envelope.Label())
	}
}

// idleLoop closes an ephemeral connection that has seen no traffic for the
// idle timeout and holds no subscriptions.
func (c *Connection) idleLoop(cx context.T) {
	t := c.clock.NewTicker(c.timeouts.IdleCheck)
	defer t.Stop()
	for {
		select {
		case <-cx.Done():
			return
		case <-t.Chan():
			if !c.ephemeral.Load() {
				continue
			}
			idle := c.clock.Since(time.Unix(0, c.activity.Load()))
			if idle <= c.timeouts.Idle {
				continue
			}
			c.mx.Lock()
			n := len(c.active)
			c.mx.Unlock()
			if n > 0 {
				log.D.F("{%s} inactive with %d active requests", c.Address, n)
				continue
			}
			log.D.F("{%s} closing idle ephemeral connection", c.Address)
			chk.D(c.Close())
			return
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
