// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when a test calls Advance.
// Timers and tickers fire synchronously inside Advance, which makes
// timeout behavior fully deterministic.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending timer or ticker registered with the fake.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	// period is zero for one-shot timers, the tick interval for tickers.
	period  time.Duration
	stopped bool
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake's time forward by d, firing every timer and
// ticker whose deadline falls within the advanced window, in deadline
// order. Tickers reschedule themselves and may fire multiple times.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		next.fireLocked(f.now)
	}
	f.now = target
}

// nextDeadlineLocked returns the unstopped waiter with the earliest
// deadline at or before target, or nil if none is due.
func (f *Fake) nextDeadlineLocked(target time.Time) *fakeWaiter {
	var due *fakeWaiter
	for _, waiter := range f.waiters {
		if waiter.stopped || waiter.deadline.After(target) {
			continue
		}
		if due == nil || waiter.deadline.Before(due.deadline) {
			due = waiter
		}
	}
	return due
}

// fireLocked delivers a tick and reschedules or retires the waiter.
func (w *fakeWaiter) fireLocked(now time.Time) {
	// Non-blocking send, matching the capacity-1 drop semantics of
	// time.Ticker when the consumer is slow.
	select {
	case w.channel <- now:
	default:
	}
	if w.period > 0 {
		w.deadline = w.deadline.Add(w.period)
	} else {
		w.stopped = true
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C
}

func (f *Fake) NewTimer(d time.Duration) *Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: f.now.Add(d),
		channel:  make(chan time.Time, 1),
	}
	if d <= 0 {
		waiter.channel <- f.now
		waiter.stopped = true
	}
	f.waiters = append(f.waiters, waiter)

	return &Timer{
		C: waiter.channel,
		stopFunc: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			wasActive := !waiter.stopped
			waiter.stopped = true
			return wasActive
		},
		resetFunc: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			wasActive := !waiter.stopped
			waiter.deadline = f.now.Add(d)
			waiter.stopped = false
			return wasActive
		},
	}
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: f.now.Add(d),
		channel:  make(chan time.Time, 1),
		period:   d,
	}
	f.waiters = append(f.waiters, waiter)

	return &Ticker{
		C: waiter.channel,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			waiter.stopped = true
		},
		resetFunc: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			waiter.deadline = f.now.Add(d)
			waiter.period = d
			waiter.stopped = false
		},
	}
}
