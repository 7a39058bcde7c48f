package optimizer

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"github.com/minio/sha256-simd"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// IsHex64 reports whether s is 64 lower or upper case hex characters.
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// ValidAuthors keeps only well formed public keys. A nil list stays nil.
func ValidAuthors(authors []string) []string {
	if authors == nil {
		return nil
	}
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		if IsHex64(a) {
			out = append(out, a)
		}
	}
	return out
}

// ResultSetID hashes the sorted array values of f. It is empty unless f
// carries since, until or limit.
func ResultSetID(f *filter.T) string {
	if f.Since == nil && f.Until == nil && f.Limit == nil {
		return ""
	}
	var values []string
	for _, id := range f.IDs {
		values = append(values, "ids:"+id)
	}
	for _, a := range f.Authors {
		values = append(values, "authors:"+a)
	}
	for _, k := range f.Kinds {
		values = append(values, "kinds:"+strconv.Itoa(int(k)))
	}
	for key, vals := range f.Tags {
		for _, v := range vals {
			values = append(values, "#"+key+":"+v)
		}
	}
	slices.Sort(values)
	values = slices.Compact(values)
	h := sha256.Sum256([]byte(strings.Join(values, ",")))
	return hex.EncodeToString(h[:])
}

type dim struct {
	n   int
	set func(f *Flat, i int)
}

// Expand is the cartesian product of f's array fields. Scalars are copied
// onto every result. A present but empty array yields nothing; a filter
// with no array fields yields one atomic filter.
func Expand(f *filter.T) (out []Flat) {
	authors := ValidAuthors(f.Authors)
	var dims []dim
	if f.IDs != nil {
		dims = append(dims, dim{len(f.IDs), func(x *Flat, i int) { x.ID = Some(f.IDs[i]) }})
	}
	if authors != nil {
		dims = append(dims, dim{len(authors), func(x *Flat, i int) { x.Author = Some(authors[i]) }})
	}
	if f.Kinds != nil {
		dims = append(dims, dim{len(f.Kinds), func(x *Flat, i int) { x.Kind = Some(f.Kinds[i]) }})
	}
	keys := maps.Keys(f.Tags)
	slices.Sort(keys)
	for _, k := range keys {
		vals := f.Tags[k]
		dims = append(dims, dim{len(vals), func(x *Flat, i int) {
			x.Tags = append(x.Tags, Tag{k, vals[i]})
		}})
	}
	total := 1
	for _, d := range dims {
		total *= d.n
	}
	if total == 0 {
		return nil
	}
	base := Flat{
		Search:      Value[string]{V: f.Search, Set: f.Search != ""},
		Since:       from(f.Since),
		Until:       from(f.Until),
		Limit:       from(f.Limit),
		ResultSetID: ResultSetID(f),
	}
	out = make([]Flat, 0, total)
	idx := make([]int, len(dims))
	for {
		x := base
		x.Tags = nil
		for i, d := range dims {
			d.set(&x, idx[i])
		}
		out = append(out, x)
		// odometer over the dimensions, last one fastest
		i := len(dims) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < dims[i].n {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

// ExpandAll expands every filter in s.
func ExpandAll(s filter.S) (out []Flat) {
	for _, f := range s {
		out = append(out, Expand(f)...)
	}
	return
}

// Collapse folds atomic filters into one filter by unioning each array
// field in first seen order. Scalars come from the first element.
func Collapse(flats []Flat) (f *filter.T) {
	f = &filter.T{}
	if len(flats) == 0 {
		return
	}
	first := flats[0]
	f.Search = first.Search.V
	f.Since = first.Since.ptr()
	f.Until = first.Until.ptr()
	f.Limit = first.Limit.ptr()
	for i := range flats {
		x := &flats[i]
		if x.ID.Set && !slices.Contains(f.IDs, x.ID.V) {
			f.IDs = append(f.IDs, x.ID.V)
		}
		if x.Author.Set && !slices.Contains(f.Authors, x.Author.V) {
			f.Authors = append(f.Authors, x.Author.V)
		}
		if x.Kind.Set && !slices.Contains(f.Kinds, x.Kind.V) {
			f.Kinds = append(f.Kinds, x.Kind.V)
		}
		for _, t := range x.Tags {
			if f.Tags == nil {
				f.Tags = make(filter.TagMap)
			}
			if !slices.Contains(f.Tags[t.Key], t.Value) {
				f.Tags[t.Key] = append(f.Tags[t.Key], t.Value)
			}
		}
	}
	return
}

// Filter turns one atomic filter back into a filter.
func (f *Flat) Filter() *filter.T { return Collapse([]Flat{*f}) }
