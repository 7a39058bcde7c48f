package relaytest

import (
	"testing"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/relay"
)

// Collector buffers connection notifications for assertions.
type Collector struct{ C chan relay.Message }

func NewCollector() *Collector { return &Collector{C: make(chan relay.Message, 4096)} }

// Notify is a relay.WithNotify target.
func (c *Collector) Notify(m relay.Message) {
	select {
	case c.C <- m:
	default:
	}
}

// Expect waits for the next notification of type M accepted by match,
// discarding anything else on the way. A nil match accepts any M.
func Expect[M relay.Message](t testing.TB, c *Collector, match func(M) bool) (m M) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.C:
			var ok bool
			if m, ok = msg.(M); ok && (match == nil || match(m)) {
				return
			}
		case <-deadline:
			var zero M
			t.Fatalf("timed out waiting for %T", zero)
			return
		}
	}
}
