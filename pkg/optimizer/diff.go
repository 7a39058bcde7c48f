package optimizer

import (
	"github.com/Hubmakerlabs/syncr/pkg/nostr/filter"
)

// Delta is the change between two filter sets at atomic filter granularity.
type Delta struct {
	Added   filter.S
	Removed filter.S
	Changed bool
}

func keyed(flats []Flat) map[string]Flat {
	m := make(map[string]Flat, len(flats))
	for _, x := range flats {
		m[x.Key()] = x
	}
	return m
}

func minus(a []Flat, b map[string]Flat) (out []Flat) {
	for _, x := range a {
		if _, ok := b[x.Key()]; !ok {
			out = append(out, x)
		}
	}
	return
}

// Diff finds the atomic filters of next that prev lacks and the ones of prev
// that next lacks, each merged back into compact filters.
func Diff(prev, next filter.S) (d Delta) {
	p, n := ExpandAll(prev), ExpandAll(next)
	added := minus(n, keyed(p))
	removed := minus(p, keyed(n))
	d.Changed = len(added) > 0 || len(removed) > 0
	d.Added = Merge(added)
	d.Removed = Merge(removed)
	return
}

// Apply returns prev with d applied, merged.
func Apply(prev filter.S, d Delta) filter.S {
	flats := minus(ExpandAll(prev), keyed(ExpandAll(d.Removed)))
	return Merge(append(flats, ExpandAll(d.Added)...))
}

// Same reports whether a and b match the same atomic filters.
func Same(a, b filter.S) bool { return !Diff(a, b).Changed }
