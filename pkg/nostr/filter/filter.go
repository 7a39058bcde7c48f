package filter

import (
	"errors"
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// TagMap holds tag constraints keyed by the tag letter, without the leading
// '#' used on the wire.
type TagMap map[string][]string

// T is a NIP-01 filter. A nil slice means the field is absent; a non-nil
// empty slice matches nothing.
type T struct {
	IDs     []string     `json:"ids,omitempty"`
	Kinds   []kind.T     `json:"kinds,omitempty"`
	Authors []string     `json:"authors,omitempty"`
	Tags    TagMap       `json:"-"`
	Since   *timestamp.T `json:"since,omitempty"`
	Until   *timestamp.T `json:"until,omitempty"`
	Limit   *int         `json:"limit,omitempty"`
	Search  string       `json:"search,omitempty"`
}

// S is a list of filters, OR'd together.
type S []*T

var (
	ErrNotObject = errors.New("filter is not a JSON object")
	ErrInvalid   = errors.New("filter is not valid JSON")
)

func (f *T) String() string {
	b, _ := f.MarshalJSON()
	return string(b)
}

// Matches reports whether ev satisfies every constraint of f. Search terms
// are not evaluated locally, only the structured fields are.
func (f *T) Matches(ev *event.T) bool {
	if f == nil || ev == nil {
		return false
	}
	if f.IDs != nil && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if f.Kinds != nil && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Authors != nil && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	for k, v := range f.Tags {
		if v != nil && !ev.Tags.ContainsAny(k, v) {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

// Void reports whether some present array field is empty, in which case the
// filter can match nothing and must not be sent.
func (f *T) Void() bool {
	if f.IDs != nil && len(f.IDs) == 0 {
		return true
	}
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return true
	}
	if f.Authors != nil && len(f.Authors) == 0 {
		return true
	}
	for _, v := range f.Tags {
		if v != nil && len(v) == 0 {
			return true
		}
	}
	if f.Limit != nil && *f.Limit < 0 {
		return true
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return true
	}
	return false
}

// HasArrays reports whether any array valued field is present.
func (f *T) HasArrays() bool {
	return f.IDs != nil || f.Kinds != nil || f.Authors != nil || len(f.Tags) > 0
}

func (f *T) Clone() (c *T) {
	c = &T{
		IDs:     clone(f.IDs),
		Kinds:   clone(f.Kinds),
		Authors: clone(f.Authors),
		Search:  f.Search,
	}
	if f.Tags != nil {
		c.Tags = make(TagMap, len(f.Tags))
		for k, v := range f.Tags {
			c.Tags[k] = clone(v)
		}
	}
	if f.Since != nil {
		c.Since = f.Since.Ptr()
	}
	if f.Until != nil {
		c.Until = f.Until.Ptr()
	}
	if f.Limit != nil {
		l := *f.Limit
		c.Limit = &l
	}
	return
}

// clone preserves the difference between nil and empty.
func clone[E any](s []E) []E {
	if s == nil {
		return nil
	}
	return append(make([]E, 0, len(s)), s...)
}

// Equal compares two filters treating array fields as sets.
func Equal(a, b *T) bool {
	if !similar(a.Kinds, b.Kinds) || !similar(a.IDs, b.IDs) ||
		!similar(a.Authors, b.Authors) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for k, av := range a.Tags {
		bv, ok := b.Tags[k]
		if !ok || !similar(av, bv) {
			return false
		}
	}
	return pointerEqual(a.Since, b.Since) && pointerEqual(a.Until, b.Until) &&
		pointerEqual(a.Limit, b.Limit) && a.Search == b.Search
}

func pointerEqual[V comparable](a, b *V) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func similar[E constraints.Ordered](as, bs []E) bool {
	if (as == nil) != (bs == nil) || len(as) != len(bs) {
		return false
	}
	for _, a := range as {
		if !slices.Contains(bs, a) {
			return false
		}
	}
	for _, b := range bs {
		if !slices.Contains(as, b) {
			return false
		}
	}
	return true
}

// SetLimit is a convenience for building filters.
func (f *T) SetLimit(n int) *T {
	f.Limit = &n
	return f
}

func (f *T) MarshalEasyJSON(w *jwriter.Writer) {
	first := true
	key := func(k string) {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(k)
		w.RawByte(':')
	}
	strs := func(s []string) {
		w.RawByte('[')
		for i, v := range s {
			if i > 0 {
				w.RawByte(',')
			}
			w.String(v)
		}
		w.RawByte(']')
	}
	w.RawByte('{')
	if f.IDs != nil {
		key("ids")
		strs(f.IDs)
	}
	if f.Kinds != nil {
		key("kinds")
		w.RawByte('[')
		for i, k := range f.Kinds {
			if i > 0 {
				w.RawByte(',')
			}
			w.Uint16(uint16(k))
		}
		w.RawByte(']')
	}
	if f.Authors != nil {
		key("authors")
		strs(f.Authors)
	}
	keys := maps.Keys(f.Tags)
	slices.Sort(keys)
	for _, k := range keys {
		if f.Tags[k] == nil {
			continue
		}
		key("#" + k)
		strs(f.Tags[k])
	}
	if f.Since != nil {
		key("since")
		w.Int64(f.Since.I64())
	}
	if f.Until != nil {
		key("until")
		w.Int64(f.Until.I64())
	}
	if f.Limit != nil {
		key("limit")
		w.Int(*f.Limit)
	}
	if f.Search != "" {
		key("search")
		w.String(f.Search)
	}
	w.RawByte('}')
}

func (f *T) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	f.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

func (f *T) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return ErrInvalid
	}
	return f.FromResult(gjson.ParseBytes(b))
}

// FromResult fills the filter from an already parsed JSON object. Unknown
// keys are ignored.
func (f *T) FromResult(r gjson.Result) error {
	if !r.IsObject() {
		return ErrNotObject
	}
	*f = T{}
	strs := func(v gjson.Result) []string {
		a := v.Array()
		s := make([]string, 0, len(a))
		for _, e := range a {
			s = append(s, e.String())
		}
		return s
	}
	r.ForEach(func(k, v gjson.Result) bool {
		switch name := k.Str; {
		case name == "ids":
			f.IDs = strs(v)
		case name == "authors":
			f.Authors = strs(v)
		case name == "kinds":
			a := v.Array()
			f.Kinds = make([]kind.T, 0, len(a))
			for _, e := range a {
				f.Kinds = append(f.Kinds, kind.T(e.Uint()))
			}
		case name == "since":
			f.Since = timestamp.T(v.Int()).Ptr()
		case name == "until":
			f.Until = timestamp.T(v.Int()).Ptr()
		case name == "limit":
			l := int(v.Int())
			f.Limit = &l
		case name == "search":
			f.Search = v.Str
		case strings.HasPrefix(name, "#") && len(name) > 1:
			if f.Tags == nil {
				f.Tags = make(TagMap)
			}
			f.Tags[name[1:]] = strs(v)
		}
		return true
	})
	return nil
}

// Match reports whether any filter in the list matches ev.
func (s S) Match(ev *event.T) bool {
	for _, f := range s {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Trim returns the filters of s that can match something.
func (s S) Trim() (out S) {
	for _, f := range s {
		if f != nil && !f.Void() {
			out = append(out, f)
		}
	}
	return
}

func (s S) Clone() (out S) {
	out = make(S, 0, len(s))
	for _, f := range s {
		out = append(out, f.Clone())
	}
	return
}

func (s S) String() string {
	w := jwriter.Writer{}
	w.RawByte('[')
	for i, f := range s {
		if i > 0 {
			w.RawByte(',')
		}
		f.MarshalEasyJSON(&w)
	}
	w.RawByte(']')
	b, _ := w.BuildBytes()
	return string(b)
}
