// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for the sync engine. Production code injects
// Real(); tests inject Fake() and advance time deterministically.
//
// Anything that reads the current time or schedules deferred work
// (controller retries, periodic refresh) should hold a Clock instead
// of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d elapses. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call with Stop. If d <= 0, f runs
	// in a new goroutine (real) or synchronously (fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled one-shot callback created by AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call
// stopped the timer, false if it had already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
