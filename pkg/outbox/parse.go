package outbox

import (
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/normalize"
	"github.com/tidwall/gjson"
)

// ParseRelayTag reads a NIP-65 r tag. A tag without a marker is both read
// and write.
func ParseRelayTag(tag []string) (r Relay, ok bool) {
	if len(tag) < 2 || tag[0] != "r" {
		return
	}
	if r.URL = normalize.URL(tag[1]); r.URL == "" {
		return
	}
	marker := ""
	if len(tag) > 2 {
		marker = tag[2]
	}
	r.Read = marker == "" || marker == "read"
	r.Write = marker == "" || marker == "write"
	return r, r.Read || r.Write
}

// ParseRelays extracts a relay list from a kind 10002 event, or from the
// content of a kind 3 follow list.
func ParseRelays(ev *event.T) (relays []Relay, ok bool) {
	switch ev.Kind {
	case kind.RelayListMetadata:
		for _, t := range ev.Tags {
			if r, ok := ParseRelayTag(t); ok {
				relays = append(relays, r)
			}
		}
		return relays, true
	case kind.FollowList:
		content := gjson.Parse(ev.Content)
		if !content.IsObject() {
			return
		}
		content.ForEach(func(k, v gjson.Result) bool {
			if u := normalize.URL(k.Str); u != "" {
				relays = append(relays, Relay{URL: u, Read: v.Get("read").Bool(),
					Write: v.Get("write").Bool()})
			}
			return true
		})
		return relays, true
	}
	return
}
