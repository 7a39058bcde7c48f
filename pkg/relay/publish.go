package relay

import (
	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
)

// Ack is a relay's answer to a published event. An ack that never arrived
// has OK false and Message "timeout".
type Ack struct {
	Relay   string
	ID      string
	OK      bool
	Message string
}

// Send publishes ev without waiting for an acknowledgement.
func (c *Connection) Send(ev *event.T) (err error) {
	if !c.Settings().Write {
		return ErrReadOnly
	}
	return c.SendRaw(&envelopes.Event{Event: ev})
}

// Publish sends ev and waits for the relay's OK, the publish timeout, or c.
func (c *Connection) Publish(cx context.T, ev *event.T) (ack Ack, err error) {
	ack = Ack{Relay: c.Address, ID: ev.ID}
	if !c.Settings().Write {
		err = ErrReadOnly
		return
	}
	acked := make(chan Ack, 1)
	if _, loaded := c.okCallbacks.LoadOrStore(ev.ID, func(ok bool, reason string) {
		acked <- Ack{Relay: c.Address, ID: ev.ID, OK: ok, Message: reason}
	}); loaded {
		ack.Message = "duplicate request"
		return
	}
	defer c.okCallbacks.Delete(ev.ID)
	if err = c.SendRaw(&envelopes.Event{Event: ev}); err != nil {
		return
	}
	t := c.clock.NewTimer(c.timeouts.Publish)
	defer t.Stop()
	select {
	case ack = <-acked:
	case <-t.Chan():
		ack.Message = "timeout"
	case <-cx.Done():
		ack.Message = "timeout"
		err = cx.Err()
	}
	switch {
	case ack.OK:
		publishResults.WithLabelValues("ok").Inc()
	case ack.Message == "timeout":
		publishResults.WithLabelValues("timeout").Inc()
	default:
		publishResults.WithLabelValues("rejected").Inc()
	}
	return
}
