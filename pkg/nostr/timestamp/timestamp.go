package timestamp

import (
	"time"
)

// T is a UNIX timestamp of 1 second precision.
type T int64

// Now returns the current UNIX timestamp of the current second.
func Now() T { return T(time.Now().Unix()) }

// FromTime converts a time.Time into a timestamp, dropping sub-second
// precision.
func FromTime(t time.Time) T { return T(t.Unix()) }

func (t T) I64() int64 { return int64(t) }

func (t T) U64() uint64 { return uint64(t) }

// Time converts the timestamp into a time.Time.
func (t T) Time() time.Time { return time.Unix(int64(t), 0) }

// Ptr returns the address of a copy so values can be nil when unset.
func (t T) Ptr() *T { return &t }
