package filter

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/event"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/syncr/pkg/nostr/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterUnmarshal(t *testing.T) {
	raw := `{"ids": ["abc"],"#e":["zzz"],"#something":["nothing","bab"],"since":1644254609,"search":"test","limit":0}`
	var f T
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	require.NotNil(t, f.Since)
	assert.EqualValues(t, 1644254609, *f.Since)
	assert.Nil(t, f.Until)
	assert.Equal(t, []string{"zzz"}, f.Tags["e"])
	assert.Len(t, f.Tags["something"], 2)
	assert.Equal(t, "test", f.Search)
	require.NotNil(t, f.Limit, "limit zero is present, not absent")
	assert.Equal(t, 0, *f.Limit)

	assert.ErrorIs(t, f.UnmarshalJSON([]byte(`{"kinds":[1`)), ErrInvalid)
}

func TestFilterMarshalRoundTrip(t *testing.T) {
	f := &T{
		Kinds: []kind.T{1, 2, 4},
		Tags:  TagMap{"fruit": {"banana", "mango"}, "e": {"x"}},
		Until: timestamp.T(12345678).Ptr(),
	}
	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"kinds":[1,2,4],"#e":["x"],"#fruit":["banana","mango"],"until":12345678}`, string(b))
	var back T
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, Equal(f, &back))
}

func TestFilterMatching(t *testing.T) {
	ev := &event.T{
		ID:        "id1",
		PubKey:    "pk",
		Kind:      kind.TextNote,
		CreatedAt: 100,
		Tags:      tags.T{{"p", "bob"}},
	}
	for _, tc := range []struct {
		name string
		f    *T
		want bool
	}{
		{"empty", &T{}, true},
		{"kind", &T{Kinds: []kind.T{1, 3}}, true},
		{"wrong kind", &T{Kinds: []kind.T{3}}, false},
		{"empty kinds", &T{Kinds: []kind.T{}}, false},
		{"tag", &T{Tags: TagMap{"p": {"alice", "bob"}}}, true},
		{"missing tag", &T{Tags: TagMap{"e": {"bob"}}}, false},
		{"since", &T{Since: timestamp.T(100).Ptr()}, true},
		{"until", &T{Until: timestamp.T(99).Ptr()}, false},
		{"author", &T{Authors: []string{"pk"}, IDs: []string{"id1"}}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.Matches(ev))
		})
	}
}

func TestVoidAndTrim(t *testing.T) {
	s := S{
		{Kinds: []kind.T{1}},
		{Authors: []string{}},
		{Tags: TagMap{"p": {}}},
		{Since: timestamp.T(10).Ptr(), Until: timestamp.T(5).Ptr()},
		nil,
	}
	trimmed := s.Trim()
	require.Len(t, trimmed, 1)
	assert.Equal(t, []kind.T{1}, trimmed[0].Kinds)
}

func TestEqualAndClone(t *testing.T) {
	a := &T{Authors: []string{"a", "b"}, Tags: TagMap{"t": {"x"}}}
	b := &T{Authors: []string{"b", "a"}, Tags: TagMap{"t": {"x"}}}
	assert.True(t, Equal(a, b))
	c := a.Clone()
	c.Authors[0] = "z"
	assert.Equal(t, "a", a.Authors[0])
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(&T{Kinds: []kind.T{}}, &T{}), "empty and absent differ")
	assert.False(t, Equal(&T{}, (&T{}).SetLimit(1)))
}
