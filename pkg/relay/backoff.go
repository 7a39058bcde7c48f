package relay

import "time"

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Backoff doubles a base delay per consecutive failure, up to Max.
type Backoff struct {
	Base, Max time.Duration
}

func DefaultBackoff() Backoff { return Backoff{DefaultBackoffBase, DefaultBackoffMax} }

// Delay returns Base * 2^k, capped at Max when Max is positive.
func (b Backoff) Delay(k int) (d time.Duration) {
	d = b.Base
	for i := 0; i < k; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return
}
