package pipeline

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type pqItem[T any] struct {
	value    T
	priority int
	seq      uint64
	sentinel bool
}

type pqHeap[T any] []pqItem[T]

func (h pqHeap[T]) Len() int { return len(h) }

func (h pqHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pqHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pqHeap[T]) Push(x any) { *h = append(*h, x.(pqItem[T])) }

func (h *pqHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = pqItem[T]{}
	*h = old[:n-1]
	return item
}

// PriorityQueue is an unbounded queue ordered by priority value, lowest
// first. Equal priorities pop in arrival order.
type PriorityQueue[T any] struct {
	mu      sync.Mutex
	h       pqHeap[T]
	seq     uint64
	stopped bool
	notify  chan struct{}
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{notify: make(chan struct{}, 1)}
}

// Push adds v with the given priority.
func (q *PriorityQueue[T]) Push(v T, priority int) {
	q.push(pqItem[T]{value: v, priority: priority})
}

// PushSentinel adds a stop marker. It pops after every item already queued
// with a priority at or below priority; once popped, the queue reports
// Stopped and PopBlocking returns false.
func (q *PriorityQueue[T]) PushSentinel(priority int) {
	q.push(pqItem[T]{priority: priority, sentinel: true})
}

func (q *PriorityQueue[T]) push(item pqItem[T]) {
	q.mu.Lock()
	q.seq++
	item.seq = q.seq
	heap.Push(&q.h, item)
	q.mu.Unlock()

	q.signal()
}

func (q *PriorityQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PopBlocking returns the most urgent item, waiting up to timeout. It
// returns false on timeout, once ctx is done, and after the sentinel was
// popped. Nothing is dequeued after ctx is done. A nil ctx never cancels.
func (q *PriorityQueue[T]) PopBlocking(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.stopped || ctx.Err() != nil {
			q.mu.Unlock()
			return zero, false
		}
		if q.h.Len() > 0 {
			item := heap.Pop(&q.h).(pqItem[T])
			more := q.h.Len() > 0
			if item.sentinel {
				q.stopped = true
			}
			q.mu.Unlock()
			if more {
				q.signal()
			}
			if item.sentinel {
				return zero, false
			}
			return item.value, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, false
		case <-timer.C:
			return zero, false
		}
	}
}

// Stopped reports whether the sentinel has been popped.
func (q *PriorityQueue[T]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Len returns the number of queued items, the sentinel included.
func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
