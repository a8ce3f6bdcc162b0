// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)

	if got := fake.Now(); !got.Equal(epoch) {
		t.Errorf("Now(): got %v, want %v", got, epoch)
	}

	fake.Advance(3 * time.Second)
	if got := fake.Now(); !got.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("Now() after Advance: got %v, want %v", got, epoch.Add(3*time.Second))
	}
}

func TestFakeTimerFires(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	timer := fake.NewTimer(5 * time.Second)

	fake.Advance(4 * time.Second)
	select {
	case <-timer.C:
		t.Fatal("timer fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-timer.C:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeTimerStop(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	timer := fake.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Stop() on an active timer: got false, want true")
	}
	fake.Advance(2 * time.Second)
	select {
	case <-timer.C:
		t.Fatal("stopped timer fired")
	default:
	}

	if timer.Stop() {
		t.Error("Stop() on a stopped timer: got true, want false")
	}
}

func TestFakeTimerReset(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	timer := fake.NewTimer(time.Second)
	timer.Stop()

	if timer.Reset(time.Second) {
		t.Error("Reset() on a stopped timer: got true, want false")
	}
	fake.Advance(time.Second)
	select {
	case <-timer.C:
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestFakeNonPositiveTimerFiresImmediately(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)

	select {
	case <-fake.NewTimer(0).C:
	default:
		t.Fatal("zero-duration timer did not fire immediately")
	}
}

func TestFakeAfter(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	ch := fake.After(10 * time.Second)

	fake.Advance(10 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After channel did not receive")
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		fake.Advance(time.Second)
		select {
		case tick := <-ticker.C:
			want := epoch.Add(time.Duration(i) * time.Second)
			if !tick.Equal(want) {
				t.Errorf("tick %d at %v, want %v", i, tick, want)
			}
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestFakeTickerDropsWhenConsumerSlow(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals with nobody reading: capacity-1 channel keeps
	// only the first undelivered tick.
	fake.Advance(3 * time.Second)

	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("slow consumer received a queued tick")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeFiringOrder(t *testing.T) {
	t.Parallel()
	fake := NewFake(epoch)

	late := fake.NewTimer(2 * time.Second)
	early := fake.NewTimer(time.Second)

	fake.Advance(2 * time.Second)

	earlyFired := <-early.C
	lateFired := <-late.C
	if !earlyFired.Before(lateFired) {
		t.Errorf("timers fired out of deadline order: early %v, late %v", earlyFired, lateFired)
	}
}

func TestRealClock(t *testing.T) {
	t.Parallel()
	real := Real()

	before := time.Now()
	got := real.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Real().Now() = %v outside [%v, %v]", got, before, after)
	}

	timer := real.NewTimer(time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-time.After(5 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
