package outbox

import (
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/puzpuzpuz/xsync/v2"
)

// Relay is one entry of a user's relay list.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayList is what is known of where a user reads and writes.
type RelayList struct {
	PubKey  string
	Relays  []Relay
	Created timestamp.T
	// Loaded is when the list was last refreshed, including refreshes that
	// found nothing.
	Loaded time.Time
}

// Directory is a store of relay lists keyed by public key.
type Directory interface {
	Get(pubkey string) (RelayList, bool)
	// Put stores lists, keeping an existing list that was created later and
	// only taking the load time from the incoming one.
	Put(lists ...RelayList)
}

type MemoryDirectory struct {
	m *xsync.MapOf[string, RelayList]
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{m: xsync.NewMapOf[RelayList]()}
}

func (d *MemoryDirectory) Get(pubkey string) (RelayList, bool) { return d.m.Load(pubkey) }

func (d *MemoryDirectory) Put(lists ...RelayList) {
	for _, l := range lists {
		d.m.Compute(l.PubKey, func(old RelayList, loaded bool) (RelayList, bool) {
			if loaded && old.Created > l.Created {
				old.Loaded = l.Loaded
				return old, false
			}
			return l, false
		})
	}
}

func (d *MemoryDirectory) Len() int { return d.m.Size() }
