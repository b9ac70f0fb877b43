package pipeline

import "sync/atomic"

// LatestValueCell holds the most recent value written to it. Writers never
// wait for readers.
type LatestValueCell[T any] struct {
	p atomic.Pointer[T]
}

// Write replaces the stored value.
func (c *LatestValueCell[T]) Write(v T) {
	c.p.Store(&v)
}

// Read returns the stored value, or false when nothing was written yet.
func (c *LatestValueCell[T]) Read() (T, bool) {
	p := c.p.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}
