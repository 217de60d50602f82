// Package clock abstracts time for the cooperative node loops so they can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock tells the time and sleeps until an absolute deadline.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until t or until ctx is done.
	SleepUntil(ctx context.Context, t time.Time) error
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// SleepUntil sleeps on a timer until t.
func (Real) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake is a manually advanced clock. SleepUntil advances time in Step
// increments and runs every hook at each increment, so collaborators that
// sample or poll on a cadence see every intermediate instant.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	hooks []func(time.Time)
}

// NewFake creates a fake clock at start advancing in step increments.
func NewFake(start time.Time, step time.Duration) *Fake {
	return &Fake{now: start, step: step}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// OnAdvance registers fn to run after every increment.
func (f *Fake) OnAdvance(fn func(now time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

// SleepUntil advances the clock to t.
func (f *Fake) SleepUntil(ctx context.Context, t time.Time) error {
	f.Advance(t)
	return ctx.Err()
}

// Advance moves the clock forward to t, running hooks at each increment.
// Hooks run without the lock held and may call Now.
func (f *Fake) Advance(t time.Time) {
	for {
		f.mu.Lock()
		if !f.now.Before(t) {
			f.mu.Unlock()
			return
		}
		next := f.now.Add(f.step)
		if f.step <= 0 || next.After(t) {
			next = t
		}
		f.now = next
		hooks := append([]func(time.Time){}, f.hooks...)
		f.mu.Unlock()

		for _, h := range hooks {
			h(next)
		}
	}
}
