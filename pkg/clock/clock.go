// Package clock abstracts wall-clock time so that throttling, polling and
// scheduling can be driven by a virtual clock in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the job depends on
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock
type Real struct{}

// New returns the wall clock
func New() Clock { return Real{} }

// Now returns time.Now
func (Real) Now() time.Time { return time.Now() }

// After returns time.After
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on c, returning early with the context error when ctx is done
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Fake is a manually driven clock. With AutoAdvance set, every After call
// moves the clock forward by the requested duration and fires immediately,
// which lets sequential code that sleeps run instantly.
type Fake struct {
	AutoAdvance bool

	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	slept   time.Duration
}

// NewFake returns a fake clock set to now
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// NewAutoFake returns a fake clock that advances itself on After
func NewAutoFake(now time.Time) *Fake {
	return &Fake{now: now, AutoAdvance: true}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the fake time reaches now+d
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	if f.AutoAdvance {
		f.now = f.now.Add(d)
		f.slept += d
		ch <- f.now
		f.fireLocked()
		return ch
	}
	f.waiters = append(f.waiters, waiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every due waiter
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.fireLocked()
}

// Set moves the clock to t, which must not be earlier than the current time
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.After(f.now) {
		f.now = t
	}
	f.fireLocked()
}

// Waiters reports how many After channels are still pending
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Slept reports the total duration consumed by auto-advancing After calls
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}

// BlockUntil waits (in real time) until at least n waiters are pending
func (f *Fake) BlockUntil(n int) {
	for f.Waiters() < n {
		time.Sleep(time.Millisecond)
	}
}

func (f *Fake) fireLocked() {
	sort.Slice(f.waiters, func(i, j int) bool { return f.waiters[i].at.Before(f.waiters[j].at) })
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}
