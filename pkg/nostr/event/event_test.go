package event

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/tags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const raw = `{"kind":1,"id":"c9b2f0e51f7919b7f4123a7a2b058e2d39f62f81f6470670f501d3215c500926","pubkey":"3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d","created_at":1644271588,"tags":[["p","3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"]],"content":"now that https://blueskyweb.org/blog/2-7-2022-overview was announced we can stop working on nostr?","sig":"230e9d8f0ddaf7eb70b5f7741ccfa37e87a455c9a469282e3464e2052d3192cd63a167e196e381ef9d7e69e9ea43af2443b839974dc85d8aaab9efe1d9296524"}`

func TestDecodeEncode(t *testing.T) {
	var ev T
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, kind.TextNote, ev.Kind)
	assert.EqualValues(t, 1644271588, ev.CreatedAt)
	assert.Equal(t, tags.T{{"p", "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"}}, ev.Tags)
	assert.True(t, ev.CheckID(), "id of a well known event must verify")

	b, err := json.Marshal(&ev)
	require.NoError(t, err)
	var back T
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ev, back)
}

func TestNotObject(t *testing.T) {
	var ev T
	assert.ErrorIs(t, ev.UnmarshalJSON([]byte(`["EVENT"]`)), ErrNotObject)
	assert.ErrorIs(t, ev.UnmarshalJSON([]byte("{\"id\":\n")), ErrInvalid)
}

func TestAscending(t *testing.T) {
	a := &T{ID: "a", CreatedAt: 2}
	b := &T{ID: "b", CreatedAt: 2}
	c := &T{ID: "0", CreatedAt: 1}
	assert.Equal(t, -1, Ascending(a, b))
	assert.Equal(t, 1, Ascending(a, c))
	assert.Equal(t, 0, Ascending(a, a))
}
