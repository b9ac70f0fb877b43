// Package testutil provides shared test helpers for packages that run
// background goroutines: the datastore retention loop, the preview server
// and the run command.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout bounds most waits on background work.
	DefaultTestTimeout = 5 * time.Second

	// LongTestTimeout covers a full pipeline shutdown including its grace
	// periods.
	LongTestTimeout = 15 * time.Second
)

// WaitForChannel waits for ch to be closed or signalled, or fails after
// timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// WaitForResult waits for one value on ch and returns it, or fails after
// timeout.
func WaitForResult[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
	var zero T
	return zero
}
