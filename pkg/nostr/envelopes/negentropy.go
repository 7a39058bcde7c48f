package envelopes

import (
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

// NegOpen starts a NIP-77 reconciliation. Message is the hex encoded
// initial negentropy frame.
type NegOpen struct {
	Sub     string
	Filter  *filter.T
	Message string
}

func (*NegOpen) Label() string { return LabelNegOpen }
func (*NegOpen) sealed()       {}

func (n *NegOpen) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelNegOpen)
	str(&w, n.Sub)
	w.RawByte(',')
	n.Filter.MarshalEasyJSON(&w)
	str(&w, n.Message)
	return end(&w)
}

func parseNegOpen(arr []gjson.Result) (Envelope, error) {
	if len(arr) < 4 {
		return nil, ErrMalformed
	}
	n := &NegOpen{Sub: arr[1].Str, Filter: &filter.T{}, Message: arr[3].Str}
	if err := n.Filter.FromResult(arr[2]); err != nil {
		return nil, ErrMalformed
	}
	return n, nil
}

// NegMsg is one round of a reconciliation, in either direction.
type NegMsg struct {
	Sub     string
	Message string
}

func (*NegMsg) Label() string { return LabelNegMsg }
func (*NegMsg) sealed()       {}

func (n *NegMsg) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelNegMsg)
	str(&w, n.Sub)
	str(&w, n.Message)
	return end(&w)
}

// NegClose ends a reconciliation.
type NegClose struct{ Sub string }

func (*NegClose) Label() string { return LabelNegClose }
func (*NegClose) sealed()       {}

func (n *NegClose) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelNegClose)
	str(&w, n.Sub)
	return end(&w)
}

// NegErr is a relay refusing or aborting a reconciliation.
type NegErr struct {
	Sub    string
	Reason string
}

func (*NegErr) Label() string { return LabelNegErr }
func (*NegErr) sealed()       {}

func (n *NegErr) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	label(&w, LabelNegErr)
	str(&w, n.Sub)
	str(&w, n.Reason)
	return end(&w)
}
