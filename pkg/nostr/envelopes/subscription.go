package envelopes

import (
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

// Event carries an event. Sub is empty when publishing an event to a relay
// and holds the subscription id when a relay delivers one.
type Event struct {
	Sub   string
	Event *event.T
}

func (*Event) Label() string { return LabelEvent }
func (*Event) sealed()       {}

func (e *Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelEvent)
	if e.Sub != "" {
		str(&w, e.Sub)
	}
	w.RawByte(',')
	e.Event.MarshalEasyJSON(&w)
	return end(&w)
}

func parseEvent(arr []gjson.Result) (Envelope, error) {
	env := &Event{Event: &event.T{}}
	obj := arr[1]
	if len(arr) > 2 {
		env.Sub = arr[1].Str
		obj = arr[2]
	}
	if err := env.Event.FromResult(obj); err != nil {
		return nil, ErrMalformed
	}
	return env, nil
}

// Req opens a subscription.
type Req struct {
	Sub     string
	Filters filter.S
}

func (*Req) Label() string { return LabelReq }
func (*Req) sealed()       {}

func (r *Req) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelReq)
	str(&w, r.Sub)
	for _, f := range r.Filters {
		w.RawByte(',')
		f.MarshalEasyJSON(&w)
	}
	return end(&w)
}

func parseReq(arr []gjson.Result) (Envelope, error) {
	r := &Req{Sub: arr[1].Str}
	for _, v := range arr[2:] {
		f := &filter.T{}
		if err := f.FromResult(v); err != nil {
			return nil, ErrMalformed
		}
		r.Filters = append(r.Filters, f)
	}
	return r, nil
}

// Close ends a subscription.
type Close struct{ Sub string }

func (*Close) Label() string { return LabelClose }
func (*Close) sealed()       {}

func (c *Close) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelClose)
	str(&w, c.Sub)
	return end(&w)
}

// EOSE marks the end of stored events for a subscription.
type EOSE struct{ Sub string }

func (*EOSE) Label() string { return LabelEOSE }
func (*EOSE) sealed()       {}

func (e *EOSE) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelEOSE)
	str(&w, e.Sub)
	return end(&w)
}

// Closed is sent by a relay that ended a subscription on its own.
type Closed struct {
	Sub    string
	Reason string
}

func (*Closed) Label() string { return LabelClosed }
func (*Closed) sealed()       {}

func (c *Closed) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelClosed)
	str(&w, c.Sub)
	str(&w, c.Reason)
	return end(&w)
}
