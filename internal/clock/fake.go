package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	owner   *Fake
	at      time.Time
	fn      func()
	stopped bool
}

// NewFake creates fake clock at given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers callback fired by Advance.
func (f *Fake) AfterFunc(delay time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{owner: f, at: f.now.Add(delay), fn: fn}
	f.timers = append(f.timers, timer)
	return timer
}

// Advance moves time forward and synchronously runs due callbacks in due order.
// Params: duration to advance.
// Returns: number of fired callbacks.
func (f *Fake) Advance(d time.Duration) int {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	due := make([]*fakeTimer, 0)
	remaining := f.timers[:0]
	for _, timer := range f.timers {
		switch {
		case timer.stopped:
		case !timer.at.After(now):
			timer.stopped = true
			due = append(due, timer)
		default:
			remaining = append(remaining, timer)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

// Stop cancels timer; false when already fired or stopped.
func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
