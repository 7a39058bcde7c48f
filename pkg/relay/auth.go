package relay

import (
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
)

var ErrAuthTimeout = errors.New("timed out waiting for auth OK")

func (c *Connection) onChallenge(challenge string) {
	c.mx.Lock()
	c.challenge = challenge
	has := c.auth != nil
	c.mx.Unlock()
	if !has {
		log.D.F("{%s} ignoring auth challenge, no authenticator", c.Address)
		return
	}
	chk.D(c.Authenticate(context.Bg()))
}

// Authenticate answers the most recent challenge. Outbound traffic is held
// from the start of the round until the relay acknowledges the response or
// the auth timeout passes, then active subscriptions are re-sent (on
// success) and everything held is flushed in order.
func (c *Connection) Authenticate(cx context.T) (err error) {
	c.mx.Lock()
	auth, challenge, session := c.auth, c.challenge, c.session
	if auth == nil {
		c.mx.Unlock()
		return ErrNoAuthenticator
	}
	if challenge == "" {
		c.mx.Unlock()
		return ErrNoChallenge
	}
	c.authPending = true
	c.notify(&Change{from{c}})
	c.mx.Unlock()
	ok := false
	defer func() { c.finishAuth(session, ok) }()
	var ev *event.T
	if ev, err = auth(cx, challenge, c.Address); err != nil {
		authResults.WithLabelValues("error").Inc()
		return fmt.Errorf("authenticator: %w", err)
	}
	var f *frame
	if f, err = c.encode(&envelopes.AuthResponse{Event: ev}); err != nil {
		return
	}
	acked := make(chan bool, 1)
	c.okCallbacks.Store(ev.ID, func(accepted bool, reason string) {
		if !accepted {
			log.D.F("{%s} auth rejected: %s", c.Address, reason)
		}
		acked <- accepted
	})
	defer c.okCallbacks.Delete(ev.ID)
	c.mx.Lock()
	if c.state != StateOpen || c.out == nil || c.session != session {
		c.mx.Unlock()
		return ErrClosed
	}
	// the response itself bypasses the hold
	c.out.Push(f)
	c.mx.Unlock()
	t := c.clock.NewTimer(c.timeouts.Auth)
	defer t.Stop()
	select {
	case ok = <-acked:
		if ok {
			authResults.WithLabelValues("ok").Inc()
		} else {
			authResults.WithLabelValues("rejected").Inc()
		}
	case <-t.Chan():
		authResults.WithLabelValues("timeout").Inc()
		err = ErrAuthTimeout
	case <-cx.Done():
		err = cx.Err()
	}
	return
}

func (c *Connection) finishAuth(session string, ok bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.session != session {
		return
	}
	c.authPending = false
	if ok {
		c.authed = true
		log.D.F("{%s} authenticated, re-sending %d requests", c.Address,
			len(c.active))
		for _, f := range c.activeOrdered() {
			if f.wired.Load() {
				c.send(f)
			}
		}
	}
	c.flush()
	c.notify(&Change{from{c}})
}

// Authed reports whether the current session has completed authentication.
func (c *Connection) Authed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.authed
}
