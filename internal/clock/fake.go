package clock

import (
	"sync"
	"time"
)

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// FakeClock delivers deterministic timer signals for tests. Waiters fire
// either when Advance moves past their deadline or unconditionally on Fire.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	pending int
}

// NewFakeClock constructs a fake clock starting at the Unix epoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(0, 0)}
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a waiter expiring d after the current fake time. A
// non-positive d, or a Fire issued while nobody waited, expires it at once.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending > 0 || d <= 0 {
		if d > 0 {
			f.pending--
		}
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// Waiters reports how many timers are currently armed.
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Fire expires every armed timer regardless of its deadline. Without armed
// timers the tick is kept for the next After call.
func (f *FakeClock) Fire() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.waiters) == 0 {
		f.pending++
		return
	}
	for _, w := range f.waiters {
		w.ch <- f.now
	}
	f.waiters = nil
}

// Advance moves the fake time forward and expires the timers whose deadline
// has been reached.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}
