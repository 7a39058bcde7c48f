package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURL(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"", ""},
		{"wss://x.com/y", "wss://x.com/y"},
		{"wss://x.com/y/", "wss://x.com/y"},
		{"http://x.com/y", "ws://x.com/y"},
		{URL("http://x.com/y"), "ws://x.com/y"},
		{"wss://x.com", "wss://x.com"},
		{"wss://X.com/", "wss://x.com"},
		{"x.com", "wss://x.com"},
		{"x.com////", "wss://x.com"},
		{"x.com/?x=23", "wss://x.com?x=23"},
		{"wss://x.com:443", "wss://x.com"},
		{"ws://x.com:80/", "ws://x.com"},
		{"ws://127.0.0.1:7777", "ws://127.0.0.1:7777"},
	} {
		assert.Equal(t, tc.want, URL(tc.in), tc.in)
	}
}

func TestURLs(t *testing.T) {
	assert.Equal(t,
		[]string{"wss://a.com", "wss://b.com"},
		URLs([]string{"a.com", "wss://a.com/", "", "https://b.com"}))
}
