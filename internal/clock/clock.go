package clock

import "time"

// Clock provides time and timer abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) Timer
}

// Timer is a cancellable delayed callback handle.
type Timer interface {
	Stop() bool
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: system-backed clock.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs fn in its own goroutine after delay.
// Params: delay and callback.
// Returns: timer handle for cancellation.
func (RealClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}
