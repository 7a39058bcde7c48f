package relay

import (
	"net/http"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/relayinfo"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultConnectTimeout = 7 * time.Second
	DefaultPingInterval   = 29 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
	DefaultIdleTimeout    = 10 * time.Second
	DefaultIdleCheck      = 5 * time.Second
)

// Settings are the read and write capabilities a client assigns to a relay.
type Settings struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

var ReadWrite = Settings{Read: true, Write: true}

// Authenticator produces a signed kind 22242 event answering challenge.
type Authenticator func(c context.T, challenge, relay string) (*event.T, error)

// Verifier reports whether an inbound event is acceptable. The default only
// checks that the id matches the content.
type Verifier func(ev *event.T) bool

// Timeouts groups the connection timers.
type Timeouts struct {
	Connect time.Duration
	Ping    time.Duration
	Publish time.Duration
	Auth    time.Duration
	Idle    time.Duration
	// IdleCheck is how often an ephemeral connection looks for inactivity.
	IdleCheck time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:   DefaultConnectTimeout,
		Ping:      DefaultPingInterval,
		Publish:   DefaultPublishTimeout,
		Auth:      DefaultAuthTimeout,
		Idle:      DefaultIdleTimeout,
		IdleCheck: DefaultIdleCheck,
	}
}

type Option func(c *Connection)

// WithNotify sets the receiver of connection notifications. It is called
// from I/O goroutines and while internal locks are held, so it must not
// block or call back into the Connection.
func WithNotify(fn func(Message)) Option { return func(c *Connection) { c.notify = fn } }

func WithClock(clock clockwork.Clock) Option { return func(c *Connection) { c.clock = clock } }

func WithSettings(s Settings) Option { return func(c *Connection) { c.settings = s } }

func WithEphemeral(e bool) Option { return func(c *Connection) { c.ephemeral.Store(e) } }

func WithAuthenticator(a Authenticator) Option { return func(c *Connection) { c.auth = a } }

func WithVerifier(v Verifier) Option { return func(c *Connection) { c.verify = v } }

func WithBackoff(b Backoff) Option { return func(c *Connection) { c.backoff = b } }

func WithTimeouts(t Timeouts) Option { return func(c *Connection) { c.timeouts = t } }

func WithHeader(h http.Header) Option { return func(c *Connection) { c.header = h } }

// WithInfo supplies the relay information document, skipping the NIP-11
// fetch.
func WithInfo(info *relayinfo.T) Option {
	return func(c *Connection) {
		c.info = info
		c.infoFetched = true
	}
}

// WithFetcher replaces the NIP-11 fetcher. A nil fetcher disables the fetch.
func WithFetcher(f *relayinfo.Fetcher) Option {
	return func(c *Connection) {
		c.fetcher = f
		if f == nil {
			c.infoFetched = true
		}
	}
}
