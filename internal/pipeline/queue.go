package pipeline

import (
	"context"
	"sync"
	"time"
)

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Capacity int    `json:"capacity"`
	Len      int    `json:"len"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Popped   uint64 `json:"popped"`
}

// BoundedDropOldestQueue is a fixed-capacity FIFO. A push at capacity
// evicts the oldest item, so the queue always holds the newest items.
type BoundedDropOldestQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	notify chan struct{}
	closed chan struct{}
	once   sync.Once

	pushed  uint64
	dropped uint64
	popped  uint64
}

// NewBoundedDropOldestQueue creates a queue holding at most capacity items.
// Capacity below 1 is raised to 1.
func NewBoundedDropOldestQueue[T any](capacity int) *BoundedDropOldestQueue[T] {
	capacity = max(capacity, 1)
	return &BoundedDropOldestQueue[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// TryPush appends v. It never blocks and reports whether the oldest item
// was evicted to make room.
func (q *BoundedDropOldestQueue[T]) TryPush(v T) (evicted bool) {
	q.mu.Lock()
	capacity := len(q.items)
	if q.size == capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		evicted = true
	}
	q.items[(q.head+q.size)%capacity] = v
	q.size++
	q.pushed++
	q.mu.Unlock()

	q.signal()
	return evicted
}

func (q *BoundedDropOldestQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest item without waiting.
func (q *BoundedDropOldestQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *BoundedDropOldestQueue[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.popped++
	return v, true
}

// PopBlocking removes the oldest item, waiting up to timeout for one. It
// returns false on timeout, when ctx is done, or when the queue is closed
// and empty. A nil ctx never cancels.
func (q *BoundedDropOldestQueue[T]) PopBlocking(ctx context.Context, timeout time.Duration) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		more := q.size > 0
		q.mu.Unlock()
		if ok {
			if more {
				q.signal()
			}
			return v, true
		}

		select {
		case <-q.notify:
		case <-q.closed:
			// drain anything pushed concurrently with Close
			return q.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-timer.C:
			var zero T
			return zero, false
		}
	}
}

// Len returns the number of queued items.
func (q *BoundedDropOldestQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns the queue counters.
func (q *BoundedDropOldestQueue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Capacity: len(q.items),
		Len:      q.size,
		Pushed:   q.pushed,
		Dropped:  q.dropped,
		Popped:   q.popped,
	}
}

// Close wakes blocked consumers. Pushes are still accepted; pops return
// immediately once the queue is empty.
func (q *BoundedDropOldestQueue[T]) Close() {
	q.once.Do(func() { close(q.closed) })
}
