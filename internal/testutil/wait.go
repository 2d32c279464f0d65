// Package testutil provides polling helpers for eventually-consistent tests.
package testutil

import (
	"testing"
	"time"
)

// Poll calls condition at the given interval until it returns true or the
// timeout elapses. Returns whether the condition was met.
func Poll(tb testing.TB, condition func() bool, timeout, interval time.Duration) bool {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

// Eventually fails the test if condition does not become true within the
// timeout, polling every 20ms.
func Eventually(tb testing.TB, condition func() bool, timeout time.Duration) {
	tb.Helper()
	if !Poll(tb, condition, timeout, 20*time.Millisecond) {
		tb.Fatal("timed out waiting for condition")
	}
}
