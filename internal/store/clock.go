package store

import "sync/atomic"

// Clock is the store's monotonic logical clock. Every written row is stamped
// with a strictly increasing seq so ordering never depends on wall time.
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock that resumes after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
