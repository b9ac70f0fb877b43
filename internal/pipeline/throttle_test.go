package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestThrottleShouldRunAndMark(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(testEpoch)
	th := NewThrottle(clock)

	assert.True(t, th.ShouldRunAndMark(time.Second), "first call always runs")
	assert.False(t, th.ShouldRunAndMark(time.Second))

	clock.Advance(999 * time.Millisecond)
	assert.False(t, th.ShouldRunAndMark(time.Second))

	clock.Advance(time.Millisecond)
	assert.True(t, th.ShouldRunAndMark(time.Second))
	assert.False(t, th.ShouldRunAndMark(time.Second), "a true result restamps")
}

func TestThrottleSleepRemainder(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(testEpoch)
	th := NewThrottle(clock)

	start := clock.Now()
	clock.Advance(200 * time.Millisecond) // work took 200ms

	done := make(chan bool, 1)
	go func() { done <- th.SleepRemainder(context.Background(), start, 500*time.Millisecond) }()

	waitForTimers(t, clock, 1)
	clock.Advance(299 * time.Millisecond)
	select {
	case <-done:
		require.Fail(t, "returned before the period elapsed")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(ShortTestTimeout):
		require.Fail(t, "did not wake after the remainder")
	}
}

func TestThrottleSleepRemainderOverrun(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(testEpoch)
	th := NewThrottle(clock)

	start := clock.Now()
	clock.Advance(800 * time.Millisecond)

	assert.True(t, th.SleepRemainder(context.Background(), start, 500*time.Millisecond))
	assert.Zero(t, clock.PendingTimers(), "an overrunning cycle does not sleep")
}

func TestThrottleSleepRemainderCancelled(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(testEpoch)
	th := NewThrottle(clock)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- th.SleepRemainder(ctx, clock.Now(), time.Hour) }()

	waitForTimers(t, clock, 1)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(ShortTestTimeout):
		require.Fail(t, "cancellation not observed")
	}
}

func TestGraceContext(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := graceContext(parent, 50*time.Millisecond)
	defer stop()

	cancel()
	assert.NoError(t, ctx.Err(), "grace context outlives its parent")

	select {
	case <-ctx.Done():
	case <-time.After(ShortTestTimeout):
		require.Fail(t, "grace context not cancelled after grace")
	}
}

func TestGraceContextStop(t *testing.T) {
	t.Parallel()

	ctx, stop := graceContext(context.Background(), time.Hour)
	stop()
	assert.Error(t, ctx.Err())
}
