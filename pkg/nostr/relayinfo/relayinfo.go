// Package relayinfo fetches the NIP-11 relay information document and
// exposes the parts that govern client behaviour.
package relayinfo

import (
	"strconv"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

// DefaultMaxSubscriptions applies when a relay does not advertise a limit.
const DefaultMaxSubscriptions = 20

const (
	NIPSearch     = 50
	NIPNegentropy = 77
)

type Limits struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	AuthRequired     bool `json:"auth_required,omitempty"`
	PaymentRequired  bool `json:"payment_required,omitempty"`
	RestrictedWrites bool `json:"restricted_writes,omitempty"`
}

// T is the subset of the relay information document the engine reads.
type T struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	PubKey        string `json:"pubkey,omitempty"`
	Contact       string `json:"contact,omitempty"`
	Software      string `json:"software,omitempty"`
	Version       string `json:"version,omitempty"`
	SupportedNIPs []int  `json:"supported_nips,omitempty"`
	// Negentropy is the protocol version advertised by relays that predate
	// NIP-77 being listed in supported_nips.
	Negentropy string `json:"negentropy,omitempty"`
	Limitation Limits `json:"limitation"`
}

// HasNIP reports whether the relay lists n in supported_nips.
func (t *T) HasNIP(n int) bool {
	if t == nil {
		return false
	}
	return slices.Contains(t.SupportedNIPs, n)
}

func (t *T) SupportsSearch() bool { return t.HasNIP(NIPSearch) }

func (t *T) SupportsNegentropy() bool {
	if t == nil {
		return false
	}
	return t.Negentropy == "v1" || t.HasNIP(NIPNegentropy)
}

// MaxSubscriptions returns the advertised limit or the default.
func (t *T) MaxSubscriptions() int {
	if t == nil || t.Limitation.MaxSubscriptions <= 0 {
		return DefaultMaxSubscriptions
	}
	return t.Limitation.MaxSubscriptions
}

func (t *T) AuthRequired() bool { return t != nil && t.Limitation.AuthRequired }

// Parse decodes a document leniently. Relays in the wild send numbers as
// strings and omit fields, so nothing here is fatal except a document that
// is not a JSON object.
func Parse(b []byte) (t *T, err error) {
	r := gjson.ParseBytes(b)
	if !r.IsObject() {
		err = log.E.Err("relay information is not a JSON object: %.64s", string(b))
		return
	}
	t = &T{
		Name:        r.Get("name").String(),
		Description: r.Get("description").String(),
		PubKey:      r.Get("pubkey").String(),
		Contact:     r.Get("contact").String(),
		Software:    r.Get("software").String(),
		Version:     r.Get("version").String(),
		Negentropy:  r.Get("negentropy").String(),
	}
	for _, n := range r.Get("supported_nips").Array() {
		switch n.Type {
		case gjson.Number:
			t.SupportedNIPs = append(t.SupportedNIPs, int(n.Int()))
		case gjson.String:
			if v, e := strconv.Atoi(n.Str); e == nil {
				t.SupportedNIPs = append(t.SupportedNIPs, v)
			}
		}
	}
	if n := r.Get("negentropy"); n.Type == gjson.Number {
		t.Negentropy = "v" + n.String()
	}
	l := r.Get("limitation")
	t.Limitation = Limits{
		MaxMessageLength: int(l.Get("max_message_length").Int()),
		MaxSubscriptions: int(l.Get("max_subscriptions").Int()),
		MaxFilters:       int(l.Get("max_filters").Int()),
		MaxLimit:         int(l.Get("max_limit").Int()),
		AuthRequired:     l.Get("auth_required").Bool(),
		PaymentRequired:  l.Get("payment_required").Bool(),
		RestrictedWrites: l.Get("restricted_writes").Bool(),
	}
	return
}
