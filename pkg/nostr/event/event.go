package event

import (
	"encoding/hex"
	"errors"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/mailru/easyjson/jwriter"
	sha256 "github.com/minio/sha256-simd"
	"github.com/tidwall/gjson"
)

// T is the subset of a nostr event that the engine routes and orders on.
// Signatures are carried but never checked here.
type T struct {
	ID        string      `json:"id"`
	PubKey    string      `json:"pubkey"`
	CreatedAt timestamp.T `json:"created_at"`
	Kind      kind.T      `json:"kind"`
	Tags      tags.T      `json:"tags"`
	Content   string      `json:"content"`
	Sig       string      `json:"sig"`
}

var (
	ErrNotObject = errors.New("event is not a JSON object")
	ErrInvalid   = errors.New("event is not valid JSON")
)

func (ev *T) String() string {
	b, _ := ev.MarshalJSON()
	return string(b)
}

// Serialize renders the NIP-01 commitment array that the event id hashes.
func (ev *T) Serialize() []byte {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`[0,`)
	w.String(ev.PubKey)
	w.RawByte(',')
	w.Int64(ev.CreatedAt.I64())
	w.RawByte(',')
	w.Uint16(uint16(ev.Kind))
	w.RawByte(',')
	ev.Tags.MarshalEasyJSON(&w)
	w.RawByte(',')
	w.String(ev.Content)
	w.RawByte(']')
	b, _ := w.BuildBytes()
	return b
}

// GetID computes the event id from its content.
func (ev *T) GetID() string {
	h := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(h[:])
}

// CheckID reports whether the ID field matches the content.
func (ev *T) CheckID() bool { return ev.ID == ev.GetID() }

func (ev *T) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"id":`)
	w.String(ev.ID)
	w.RawString(`,"pubkey":`)
	w.String(ev.PubKey)
	w.RawString(`,"created_at":`)
	w.Int64(ev.CreatedAt.I64())
	w.RawString(`,"kind":`)
	w.Uint16(uint16(ev.Kind))
	w.RawString(`,"tags":`)
	ev.Tags.MarshalEasyJSON(w)
	w.RawString(`,"content":`)
	w.String(ev.Content)
	w.RawString(`,"sig":`)
	w.String(ev.Sig)
	w.RawByte('}')
}

func (ev *T) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	ev.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

func (ev *T) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return ErrInvalid
	}
	return ev.FromResult(gjson.ParseBytes(b))
}

// FromResult fills the event from an already parsed JSON object.
func (ev *T) FromResult(r gjson.Result) error {
	if !r.IsObject() {
		return ErrNotObject
	}
	*ev = T{}
	r.ForEach(func(k, v gjson.Result) bool {
		switch k.Str {
		case "id":
			ev.ID = v.Str
		case "pubkey":
			ev.PubKey = v.Str
		case "created_at":
			ev.CreatedAt = timestamp.T(v.Int())
		case "kind":
			ev.Kind = kind.T(v.Uint())
		case "tags":
			for _, t := range v.Array() {
				tg := make(tags.Tag, 0, 3)
				for _, e := range t.Array() {
					tg = append(tg, e.String())
				}
				ev.Tags = append(ev.Tags, tg)
			}
		case "content":
			ev.Content = v.Str
		case "sig":
			ev.Sig = v.Str
		}
		return true
	})
	return nil
}

// Ascending orders events oldest first, breaking ties by id.
func Ascending(a, b *T) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
