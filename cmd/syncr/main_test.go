package main

import (
	"strings"
	"testing"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterArgs(t *testing.T) {
	a := FilterArgs{
		Kinds:   []int{1, 7},
		Authors: []string{"a1"},
		Tags:    []string{"e=x,y"},
		Since:   10,
		Limit:   5,
		On:      []string{"wss://relay.example"},
	}
	req, err := a.request()
	require.NoError(t, err)
	assert.Equal(t, "cli", req.ID)
	fs := req.Filters()
	require.Len(t, fs, 1)
	f := fs[0]
	assert.Equal(t, []kind.T{1, 7}, f.Kinds)
	assert.Equal(t, []string{"x", "y"}, f.Tags["e"])
	require.NotNil(t, f.Since)
	assert.EqualValues(t, 10, *f.Since)
	assert.Nil(t, f.Until)

	a.Tags = []string{"novalue"}
	_, err = a.request()
	assert.Error(t, err)
}

func TestParseKeyAndSign(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	for _, s := range []string{sk, nsec} {
		k, err := parseKey(s)
		require.NoError(t, err)
		assert.Equal(t, sk, k.sec)
		pk, _ := nostr.GetPublicKey(sk)
		assert.Equal(t, pk, k.pub)
	}

	k, _ := parseKey(sk)
	p := PublishCmd{Content: "hello", Kind: 1, Tags: []string{"t=syncr"}}
	ne, err := p.event()
	require.NoError(t, err)
	ev, err := k.sign(ne)
	require.NoError(t, err)
	assert.True(t, ev.CheckID())
	assert.Equal(t, k.pub, ev.PubKey)
	assert.Equal(t, []string{"t", "syncr"}, []string(ev.Tags[0]))

	auth, err := k.authenticate(nil, "challenge", "wss://relay.example")
	require.NoError(t, err)
	assert.Equal(t, kind.T(22242), auth.Kind)
	assert.Equal(t, []string{"challenge"}, auth.Tags.Values("challenge"))

	var none *keys
	_, err = none.sign(ne)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestReadEvents(t *testing.T) {
	k, _ := parseKey(nostr.GeneratePrivateKey())
	var lines []string
	for _, c := range []string{"one", "two"} {
		ev, err := k.sign(nostr.Event{Kind: 1, Content: c, CreatedAt: 1700000000})
		require.NoError(t, err)
		lines = append(lines, ev.String())
	}
	evs, err := readEvents(strings.NewReader(strings.Join(lines, "\n\n") + "\n"))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "two", evs[1].Content)

	_, err = readEvents(strings.NewReader("{\"id\":\n"))
	assert.Error(t, err)
}
