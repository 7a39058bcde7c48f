package relay

import "github.com/Hubmakerlabs/syncr/pkg/nostr/event"

// Message is a notification from a Connection. The set of cases is closed;
// consumers switch on the concrete type.
type Message interface {
	Relay() *Connection
	message()
}

type from struct{ c *Connection }

func (f from) Relay() *Connection { return f.c }
func (from) message()             {}

type (
	// Connected is sent each time the socket opens.
	Connected struct {
		from
		Reconnect bool
	}
	// Disconnected is sent when an open socket goes away, for any reason.
	Disconnected struct{ from }
	// Event is an EVENT addressed to one of this connection's subscriptions.
	Event struct {
		from
		Sub   string
		Event *event.T
	}
	EOSE struct {
		from
		Sub string
	}
	// Closed reports a subscription ended by the relay or by a reset.
	Closed struct {
		from
		Sub    string
		Reason string
	}
	Notice struct {
		from
		Message string
	}
	// Sent is emitted when a REQ or NEG-OPEN is handed to the socket.
	Sent struct {
		from
		Sub string
	}
	NegMsg struct {
		from
		Sub     string
		Message string
	}
	NegErr struct {
		from
		Sub    string
		Reason string
	}
	// Change marks a state change with no other payload: auth started or
	// finished, a request was queued for admission.
	Change struct{ from }
)
