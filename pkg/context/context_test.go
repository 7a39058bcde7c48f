package context

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBounded(t *testing.T) {
	c, cancel := Bounded(Bg(), time.Minute)
	defer cancel()
	dl, ok := c.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), dl, time.Second)

	parent, pcancel := Timeout(Bg(), time.Second)
	defer pcancel()
	child, ccancel := Bounded(parent, time.Hour)
	defer ccancel()
	assert.Equal(t, parent, child)
}
