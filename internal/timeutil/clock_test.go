package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_SleepAdvancesTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(100 * time.Millisecond)
	clock.Sleep(100 * time.Millisecond)

	want := start.Add(200 * time.Millisecond)
	if got := clock.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
	if n := clock.SleepCount(); n != 2 {
		t.Errorf("SleepCount() = %d, want 2", n)
	}
}

func TestMockClock_SleepsRecorded(t *testing.T) {
	clock := NewMockClock(time.Now())
	clock.Sleep(time.Second)
	clock.Sleep(2 * time.Second)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("Sleeps() = %v, want [1s 2s]", sleeps)
	}
}

func TestMockClock_OnSleepHook(t *testing.T) {
	clock := NewMockClock(time.Now())

	var calls []int
	clock.OnSleep = func(n int) { calls = append(calls, n) }

	clock.Sleep(time.Millisecond)
	clock.Sleep(time.Millisecond)
	clock.Sleep(time.Millisecond)

	if len(calls) != 3 || calls[0] != 1 || calls[2] != 3 {
		t.Errorf("OnSleep calls = %v, want [1 2 3]", calls)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)

	if got := clock.Since(start); got != time.Hour {
		t.Errorf("Since(start) = %v, want 1h", got)
	}
}
