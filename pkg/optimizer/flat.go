// Package optimizer expands filters into atomic filters, merges atomic
// filters back into compact ones, and computes the delta between two
// filter sets.
package optimizer

import (
	"strconv"
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
)

// Value is an optional scalar.
type Value[V comparable] struct {
	V   V
	Set bool
}

func Some[V comparable](v V) Value[V] { return Value[V]{V: v, Set: true} }

func from[V comparable](p *V) (v Value[V]) {
	if p != nil {
		v = Some(*p)
	}
	return
}

func (v Value[V]) ptr() *V {
	if !v.Set {
		return nil
	}
	x := v.V
	return &x
}

// Tag is one tag constraint of an atomic filter.
type Tag struct{ Key, Value string }

// Flat is an atomic filter: every array field of a filter reduced to at
// most one value. Tags is sorted by key with one entry per key.
type Flat struct {
	ID     Value[string]
	Author Value[string]
	Kind   Value[kind.T]
	Tags   []Tag
	Search Value[string]
	Since  Value[timestamp.T]
	Until  Value[timestamp.T]
	Limit  Value[int]
	// ResultSetID identifies the filter this atomic filter came from when
	// that filter bounds its results with since, until or limit.
	ResultSetID string
}

func (f *Flat) tag(key string) (v Value[string]) {
	for _, t := range f.Tags {
		if t.Key == key {
			return Some(t.Value)
		}
	}
	return
}

// Key is a canonical encoding, equal for equal atomic filters.
func (f *Flat) Key() string {
	var b strings.Builder
	field := func(name string, set bool, v string) {
		if set {
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(v)
		}
		b.WriteByte(0)
	}
	field("id", f.ID.Set, f.ID.V)
	field("author", f.Author.Set, f.Author.V)
	field("kind", f.Kind.Set, strconv.Itoa(int(f.Kind.V)))
	for _, t := range f.Tags {
		field("#"+t.Key, true, t.Value)
	}
	field("search", f.Search.Set, f.Search.V)
	field("since", f.Since.Set, strconv.FormatInt(f.Since.V.I64(), 10))
	field("until", f.Until.Set, strconv.FormatInt(f.Until.V.I64(), 10))
	field("limit", f.Limit.Set, strconv.Itoa(f.Limit.V))
	field("rs", f.ResultSetID != "", f.ResultSetID)
	return b.String()
}

func propDist[V comparable](a, b Value[V]) int {
	switch {
	case a.Set != b.Set:
		return 10
	case a.Set && a.V != b.V:
		return 1
	}
	return 0
}

// Distance counts how far apart two atomic filters are: 10 for a field
// present on one side only and 1 for a field with different values.
func Distance(a, b *Flat) (d int) {
	d += propDist(a.ID, b.ID)
	d += propDist(a.Kind, b.Kind)
	d += propDist(a.Author, b.Author)
	for _, k := range tagKeys(a.Tags, b.Tags) {
		d += propDist(a.tag(k), b.tag(k))
	}
	return
}

func tagKeys(a, b []Tag) (keys []string) {
	seen := make(map[string]struct{})
	for _, s := range [][]Tag{a, b} {
		for _, t := range s {
			if _, ok := seen[t.Key]; !ok {
				seen[t.Key] = struct{}{}
				keys = append(keys, t.Key)
			}
		}
	}
	return
}

// discriminated reports whether the scalar fields that make two filters
// distinct result sets are equal.
func discriminated(a, b *Flat) bool {
	return a.Since == b.Since && a.Until == b.Until && a.Limit == b.Limit &&
		a.Search == b.Search && a.ResultSetID == b.ResultSetID
}

// CanMerge reports whether a and b can share one filter.
func CanMerge(a, b *Flat) bool { return discriminated(a, b) && Distance(a, b) <= 1 }
