package optimizer

import (
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
	"golang.org/x/exp/slices"
)

func setDist[E comparable](a, b []E) int {
	switch {
	case (a == nil) != (b == nil):
		return 10
	case a == nil:
		return 0
	}
	if len(a) != len(b) {
		return 1
	}
	for _, x := range a {
		if !slices.Contains(b, x) {
			return 1
		}
	}
	return 0
}

// FilterDistance is Distance over whole filters, where two array fields
// that hold different sets count as one.
func FilterDistance(a, b *filter.T) (d int) {
	d += setDist(a.IDs, b.IDs)
	d += setDist(a.Kinds, b.Kinds)
	d += setDist(a.Authors, b.Authors)
	seen := make(map[string]struct{})
	for _, tags := range []filter.TagMap{a.Tags, b.Tags} {
		for k := range tags {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			d += setDist(a.Tags[k], b.Tags[k])
		}
	}
	return
}

type group struct {
	f  *filter.T
	rs string
}

func pointerEqual[V comparable](a, b *V) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (g group) canMerge(o group) bool {
	return g.rs == o.rs && g.f.Search == o.f.Search &&
		pointerEqual(g.f.Since, o.f.Since) && pointerEqual(g.f.Until, o.f.Until) &&
		pointerEqual(g.f.Limit, o.f.Limit) && FilterDistance(g.f, o.f) <= 1
}

// cluster puts each item into the first cluster whose members can all merge
// with it, opening a new cluster otherwise.
func cluster[V any](items []V, can func(a, b *V) bool) (out [][]V) {
next:
	for i := range items {
		for j := range out {
			ok := true
			for k := range out[j] {
				if !can(&out[j][k], &items[i]) {
					ok = false
					break
				}
			}
			if ok {
				out[j] = append(out[j], items[i])
				continue next
			}
		}
		out = append(out, []V{items[i]})
	}
	return
}

func unionSlice[E comparable](dst, src []E) []E {
	for _, x := range src {
		if !slices.Contains(dst, x) {
			dst = append(dst, x)
		}
	}
	return dst
}

// union joins each array field of a cluster. Members of a cluster agree on
// which fields are present and on every scalar.
func union(gs []group) group {
	if len(gs) == 1 {
		return gs[0]
	}
	f := gs[0].f.Clone()
	for _, g := range gs[1:] {
		f.IDs = unionSlice(f.IDs, g.f.IDs)
		f.Kinds = unionSlice(f.Kinds, g.f.Kinds)
		f.Authors = unionSlice(f.Authors, g.f.Authors)
		for k, v := range g.f.Tags {
			if f.Tags == nil {
				f.Tags = make(filter.TagMap)
			}
			f.Tags[k] = unionSlice(f.Tags[k], v)
		}
	}
	return group{f, gs[0].rs}
}

func mergeGroups(gs []group) []group {
	for {
		n := len(gs)
		clusters := cluster(gs, func(a, b *group) bool { return a.canMerge(*b) })
		gs = gs[:0:0]
		for _, c := range clusters {
			gs = append(gs, union(c))
		}
		if len(gs) == n {
			return gs
		}
	}
}

// Merge folds atomic filters into as few filters as it can without changing
// which events they match. Filters that differ in since, until, limit,
// search or result set are never merged.
func Merge(flats []Flat) (out filter.S) {
	flats = dedupe(flats)
	var gs []group
	for _, c := range cluster(flats, CanMerge) {
		gs = append(gs, group{Collapse(c), c[0].ResultSetID})
	}
	for _, g := range mergeGroups(gs) {
		out = append(out, g.f)
	}
	return
}

// MergeFilters compacts a filter set. Applying it twice gives the same
// result as applying it once.
func MergeFilters(s filter.S) (out filter.S) {
	var gs []group
	for _, f := range s {
		if f == nil {
			continue
		}
		gs = append(gs, group{f.Clone(), ResultSetID(f)})
	}
	for _, g := range mergeGroups(gs) {
		out = append(out, g.f)
	}
	return
}

func dedupe(flats []Flat) (out []Flat) {
	seen := make(map[string]struct{}, len(flats))
	for _, x := range flats {
		k := x.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, x)
	}
	return
}
