package engine

import "sync/atomic"

// Clock is the monotonic snapshot counter for one run's checkpoint log.
//
// Every checkpoint is stamped with a strictly increasing seq from this
// clock. Together with the store's UNIQUE(run_id, seq) constraint this
// gives the single-writer guarantee: if two drivers race on the same
// run, only one's snapshot lands at a given seq and the loser detects
// it on read-back.
//
// Thread-safety: safe for concurrent use (atomic operations), though
// the runner's single-sequencer design means one goroutine typically
// calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock resuming from a known position, typically
// the seq of the run's latest persisted checkpoint.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
