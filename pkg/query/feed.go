package query

import (
	"sync"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"golang.org/x/exp/slices"
)

// Sink receives the events a query matched, each one once.
type Sink interface {
	Add(evs ...*event.T)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(evs ...*event.T)

func (f SinkFunc) Add(evs ...*event.T) { f(evs...) }

// Feed is a Sink that keeps what it is given, deduplicated by id.
type Feed struct {
	mx     sync.Mutex
	ids    map[string]struct{}
	events []*event.T
}

func NewFeed() *Feed { return &Feed{ids: make(map[string]struct{})} }

func (f *Feed) Add(evs ...*event.T) { f.add(evs) }

// add returns the events that were not already held.
func (f *Feed) add(evs []*event.T) (added []*event.T) {
	f.mx.Lock()
	defer f.mx.Unlock()
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if _, ok := f.ids[ev.ID]; ok {
			continue
		}
		f.ids[ev.ID] = struct{}{}
		f.events = append(f.events, ev)
		added = append(added, ev)
	}
	return
}

func (f *Feed) Len() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.events)
}

// Snapshot is the held events in arrival order.
func (f *Feed) Snapshot() []*event.T {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.events)
}
