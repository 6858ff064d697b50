package engine

import "sync/atomic"

// Clock is a monotonic logical counter for cycle numbering.
//
// Cycle numbers come from this clock rather than wall time, so log lines and
// diagnostics order identically across replays.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// However, the engine's single-writer design means only the cycle goroutine
// typically calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used after restart to resume from the last committed batch seq.
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
