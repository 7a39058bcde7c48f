package envelopes

import (
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

// OK is the acknowledgement of a published event.
type OK struct {
	ID     string
	OK     bool
	Reason string
}

func (*OK) Label() string { return LabelOK }
func (*OK) sealed()       {}

func (o *OK) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelOK)
	str(&w, o.ID)
	w.RawByte(',')
	w.Bool(o.OK)
	str(&w, o.Reason)
	return end(&w)
}

// Prefix returns the machine readable prefix of the reason, as in
// "auth-required: ..." or "rate-limited: ...".
func Prefix(reason string) string {
	if i := strings.Index(reason, ":"); i > 0 {
		return reason[:i]
	}
	return ""
}

// Notice is a human readable message from a relay.
type Notice struct{ Message string }

func (*Notice) Label() string { return LabelNotice }
func (*Notice) sealed()       {}

func (n *Notice) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelNotice)
	str(&w, n.Message)
	return end(&w)
}

// AuthChallenge is the NIP-42 nonce a relay sends.
type AuthChallenge struct{ Challenge string }

func (*AuthChallenge) Label() string { return LabelAuth }
func (*AuthChallenge) sealed()       {}

func (a *AuthChallenge) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelAuth)
	str(&w, a.Challenge)
	return end(&w)
}

// AuthResponse carries the signed NIP-42 event answering a challenge.
type AuthResponse struct{ Event *event.T }

func (*AuthResponse) Label() string { return LabelAuth }
func (*AuthResponse) sealed()       {}

func (a *AuthResponse) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelAuth)
	w.RawByte(',')
	a.Event.MarshalEasyJSON(&w)
	return end(&w)
}

func parseAuth(arr []gjson.Result) (Envelope, error) {
	if arr[1].Type == gjson.String {
		return &AuthChallenge{Challenge: arr[1].Str}, nil
	}
	ev := &event.T{}
	if err := ev.FromResult(arr[1]); err != nil {
		return nil, ErrMalformed
	}
	return &AuthResponse{Event: ev}, nil
}
