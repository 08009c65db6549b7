package services

import (
	"sync"
	"time"
)

// Clock issues commit timestamps in epoch milliseconds. Timestamps are
// strictly increasing within the process even when wall time stalls or
// steps backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
	wall func() time.Time
}

// NewClock creates a clock reading wall time from now (time.Now when nil)
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{wall: now}
}

// Next returns a timestamp greater than floor and every timestamp issued before
func (c *Clock) Next(floor int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.wall().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	if ts <= floor {
		ts = floor + 1
	}
	c.last = ts
	return ts
}

// Mark returns a timestamp no earlier than any issued before; every later
// Next is greater than it.
func (c *Clock) Mark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = max(c.last, c.wall().UnixMilli())
	return c.last
}
