// Package testutil provides helpers for tests that drive long running
// loops such as servers, senders and sender pools.
//
// Run loops are started with Go and stopped by the returned function or
// at test cleanup. Goroutines report failures through their return value
// instead of calling t.Fatal, which would only exit the goroutine.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Defaults used by WaitFor and Go.
const (
	WaitTimeout  = 5 * time.Second
	PollInterval = time.Millisecond
	StopTimeout  = 5 * time.Second
)

// =============================================================================
// Run loops
// =============================================================================

// Go runs fn in a goroutine with a context that the returned stop function
// cancels. stop waits up to StopTimeout for fn to return and yields its
// error; later calls return the same error. If the test ends first, stop
// runs at cleanup and a non-nil result fails the test.
func Go(t testing.TB, fn func(ctx context.Context) error) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var (
		once    sync.Once
		err     error
		checked atomic.Bool
	)
	halt := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(StopTimeout):
				err = fmt.Errorf("run loop did not return within %v of cancel", StopTimeout)
			}
		})
		return err
	}
	t.Cleanup(func() {
		// A caller that stopped the loop has seen the error already.
		if err := halt(); err != nil && !checked.Load() {
			t.Errorf("run loop: %v", err)
		}
	})
	return func() error {
		checked.Store(true)
		return halt()
	}
}

// =============================================================================
// Polling
// =============================================================================

// Eventually polls condition every interval until it holds or timeout
// passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

// WaitFor fails the test if cond does not hold within WaitTimeout.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	if err := Eventually(WaitTimeout, PollInterval, cond); err != nil {
		t.Fatalf("waiting for %s: %v", what, err)
	}
}

// WithTimeout runs fn and returns its error, or a timeout error if fn does
// not return in time. fn keeps running after a timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}
