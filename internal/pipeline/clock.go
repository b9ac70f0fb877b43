package pipeline

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so throttling can be tested without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// sleepCtx sleeps d on clock. It returns false when ctx was cancelled first.
func sleepCtx(ctx context.Context, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}

// Throttle limits how often work runs.
type Throttle struct {
	clock  Clock
	mu     sync.Mutex
	last   time.Time
	marked bool
}

// NewThrottle creates a throttle on clock. A nil clock means the wall clock.
func NewThrottle(clock Clock) *Throttle {
	if clock == nil {
		clock = realClock{}
	}
	return &Throttle{clock: clock}
}

// ShouldRunAndMark reports whether period has elapsed since the last true
// result and restamps when it has. The first call is always true.
func (t *Throttle) ShouldRunAndMark(period time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.marked && now.Sub(t.last) < period {
		return false
	}
	t.last = now
	t.marked = true
	return true
}

// SleepRemainder sleeps what is left of period after cycleStart so that a
// loop runs once per period. An overrunning cycle does not sleep at all. It
// returns false when ctx was cancelled.
func (t *Throttle) SleepRemainder(ctx context.Context, cycleStart time.Time, period time.Duration) bool {
	remaining := period - t.clock.Now().Sub(cycleStart)
	return sleepCtx(ctx, t.clock, remaining)
}

// graceContext returns a context that is cancelled grace after parent is
// done. Work started before cancellation can finish inside the grace window.
// The returned stop function releases the timer.
func graceContext(parent context.Context, grace time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	var mu sync.Mutex
	var timer *time.Timer
	stopAfter := context.AfterFunc(parent, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(grace, cancel)
	})

	return ctx, func() {
		stopAfter()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}
