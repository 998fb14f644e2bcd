package core

import "sync/atomic"

// Capacity is a bounded admission counter shared by commit-phase workers.
// Its only mutating method is TryAcquire, a bounded compare-and-swap, so the
// number of admissions can never exceed the limit whatever the execution order.
type Capacity struct {
	limit int64
	used  atomic.Int64
}

// NewCapacity returns a counter admitting at most limit units.
func NewCapacity(limit int) *Capacity {
	if limit < 0 {
		limit = 0
	}
	return &Capacity{limit: int64(limit)}
}

// TryAcquire admits n units if they fit under the limit.
func (c *Capacity) TryAcquire(n int) bool {
	if c == nil || n <= 0 {
		return n == 0
	}
	for {
		cur := c.used.Load()
		next := cur + int64(n)
		if next > c.limit {
			return false
		}
		if c.used.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Used returns the number of admitted units.
func (c *Capacity) Used() int {
	if c == nil {
		return 0
	}
	return int(c.used.Load())
}

// Remaining returns how many more units fit.
func (c *Capacity) Remaining() int {
	if c == nil {
		return 0
	}
	return int(c.limit - c.used.Load())
}

// Limit returns the configured bound.
func (c *Capacity) Limit() int {
	if c == nil {
		return 0
	}
	return int(c.limit)
}
