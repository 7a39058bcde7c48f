// Package context shortens the names of the standard library context types
// and adds a few helpers shared across the engine.
package context

import (
	"context"
	"time"
)

type (
	T = context.Context
	F = context.CancelFunc
	C = context.CancelCauseFunc
)

var (
	Bg          = context.Background
	Cancel      = context.WithCancel
	Timeout     = context.WithTimeout
	TODO        = context.TODO
	Value       = context.WithValue
	CancelCause = context.WithCancelCause
	Cause       = context.Cause
	Canceled    = context.Canceled
	Deadline    = context.DeadlineExceeded

	WithoutCancel = context.WithoutCancel
)

// Bounded returns c unchanged when it already carries a deadline, otherwise
// a child that expires after d.
func Bounded(c T, d time.Duration) (T, F) {
	if _, ok := c.Deadline(); ok {
		return c, func() {}
	}
	return Timeout(c, d)
}
