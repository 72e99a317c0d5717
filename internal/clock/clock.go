// Package clock abstracts time so tests can drive timers with virtual
// time instead of sleeping. Production code uses System; tests use Fake
// and call Advance.
package clock

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled. Stop reports
// whether the callback was prevented from running.
type Timer interface {
	Stop() bool
}

// Clock provides current time and cancellable one-shot timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// System returns the wall-clock Clock.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Fake is a manually advanced Clock. Timers fire synchronously inside
// Advance, in deadline order, on the calling goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives the deadline when virtual time
// reaches it.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.AfterFunc(d, func() {
		ch <- f.Now()
	})
	return ch
}

// AfterFunc schedules fn to run when virtual time advances past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves virtual time forward, firing due timers in deadline
// order. Timers scheduled by fired callbacks fire too if they fall
// within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	f.mu.Lock()
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// popDue removes and returns the earliest unstopped timer with deadline
// at or before target, advancing now to its deadline. Returns nil when
// none remain.
func (f *Fake) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *fakeTimer
	bestIdx := -1
	for i, t := range f.timers {
		if t.stopped || t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) {
			best = t
			bestIdx = i
		}
	}
	if best == nil {
		return nil
	}
	f.timers = append(f.timers[:bestIdx], f.timers[bestIdx+1:]...)
	if best.deadline.After(f.now) {
		f.now = best.deadline
	}
	return best
}

// PendingTimers returns the number of scheduled, unfired timers.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	stopped  bool
}

// Stop cancels the timer. Returns false if it already fired or was
// already stopped.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			t.stopped = true
			return true
		}
	}
	// not in the list means it already fired
	t.stopped = true
	return false
}
