package main

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip42"
)

var ErrNoKey = errors.New("a secret key is required, set --seckey")

type keys struct {
	sec, pub string
}

// parseKey accepts a hex or nsec secret key.
func parseKey(s string) (k *keys, err error) {
	k = &keys{sec: s}
	if strings.HasPrefix(s, "nsec") {
		var prefix string
		var v any
		if prefix, v, err = nip19.Decode(s); chk.E(err) {
			return nil, err
		}
		if prefix != "nsec" {
			return nil, errors.New("not an nsec key: " + prefix)
		}
		k.sec = v.(string)
	}
	if k.pub, err = nostr.GetPublicKey(k.sec); chk.E(err) {
		return nil, err
	}
	return
}

// sign fills in the author, id and signature of ev and converts it.
func (k *keys) sign(ev nostr.Event) (out *event.T, err error) {
	if k == nil {
		return nil, ErrNoKey
	}
	ev.PubKey = k.pub
	if err = ev.Sign(k.sec); chk.E(err) {
		return
	}
	return convert(&ev)
}

func (k *keys) authenticate(_ context.T, challenge, relay string) (*event.T, error) {
	return k.sign(nip42.CreateUnsignedAuthEvent(challenge, k.pub, relay))
}

func convert(ev *nostr.Event) (out *event.T, err error) {
	var b []byte
	if b, err = json.Marshal(ev); chk.E(err) {
		return
	}
	out = new(event.T)
	if err = out.UnmarshalJSON(b); chk.E(err) {
		return nil, err
	}
	return
}
