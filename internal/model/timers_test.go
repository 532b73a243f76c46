package model

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fireLog struct {
	mu    sync.Mutex
	calls []string
}

func (f *fireLog) fire(name, fname string, args []any) {
	f.mu.Lock()
	f.calls = append(f.calls, fname)
	f.mu.Unlock()
}

func (f *fireLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestTimers_OneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)
	tm.Resume(nil)

	tm.Set("once", TimerOptions{Fname: "onPing", Delay: 1000})
	clock.Advance(999 * time.Millisecond)
	if log.count() != 0 {
		t.Fatal("fired early")
	}
	clock.Advance(2 * time.Millisecond)
	waitFor(t, func() bool { return log.count() == 1 })

	// One-shot forgets itself.
	if len(tm.Names()) != 0 {
		t.Errorf("one-shot still recorded after firing: %v", tm.Names())
	}
}

func TestTimers_IntervalReschedules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)
	tm.Resume(nil)

	tm.Set("tick", TimerOptions{Fname: "onTick", Delay: 100, Interval: true})
	for i := 1; i <= 3; i++ {
		clock.Advance(101 * time.Millisecond)
		want := i
		waitFor(t, func() bool { return log.count() == want })
	}
	if len(tm.Names()) != 1 {
		t.Error("interval timer dropped after firing")
	}
}

func TestTimers_Cancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)
	tm.Resume(nil)

	tm.Set("once", TimerOptions{Fname: "onPing", Delay: 100})
	tm.Cancel("once")
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if log.count() != 0 {
		t.Error("canceled timer fired")
	}
}

func TestTimers_SuspendStopsDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)
	tm.Resume(nil)

	tm.Set("once", TimerOptions{Fname: "onPing", Delay: 100})
	tm.Suspend()
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if log.count() != 0 {
		t.Error("suspended timer fired")
	}
	// Record survives suspension for the next load.
	if len(tm.Names()) != 1 {
		t.Error("suspension dropped the timer record")
	}
}

func TestTimers_ResumeCatchUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)

	// Interval scheduled 5 periods ago.
	start := clock.Now().UnixMilli() - 500
	tm.Restore(map[string]TimerRec{
		"tick": {Start: start, Options: TimerOptions{Fname: "onTick", Delay: 100, Interval: true}},
	})
	tm.Resume(nil)
	if got := log.count(); got != 5 {
		t.Errorf("catch-up fired %d calls, want 5", got)
	}
}

func TestTimers_ResumeNoCatchUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)

	start := clock.Now().UnixMilli() - 500
	tm.Restore(map[string]TimerRec{
		"tick": {Start: start, Options: TimerOptions{Fname: "onTick", Delay: 100, Interval: true, NoCatchUp: true}},
	})
	tm.Resume(nil)
	if got := log.count(); got != 0 {
		t.Errorf("noCatchUp interval replayed %d calls", got)
	}
}

func TestTimers_CatchUpCappedByCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)

	// 10000 missed periods; the cap keeps the storm bounded.
	start := clock.Now().UnixMilli() - 10000*10
	tm.Restore(map[string]TimerRec{
		"tick": {Start: start, Options: TimerOptions{Fname: "onTick", Delay: 10, Interval: true}},
	})
	tm.Resume(nil)
	if got := log.count(); got != maxCatchUpCalls {
		t.Errorf("catch-up fired %d calls, want cap %d", got, maxCatchUpCalls)
	}
}

func TestTimers_CatchUpStopsOnDelete(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)

	start := clock.Now().UnixMilli() - 500
	tm.Restore(map[string]TimerRec{
		"tick": {Start: start, Options: TimerOptions{Fname: "onTick", Delay: 100, Interval: true}},
	})
	calls := 0
	tm.Resume(func() bool {
		calls++
		return calls > 2 // deleted mid catch-up
	})
	if got := log.count(); got != 2 {
		t.Errorf("catch-up fired %d calls after delete, want 2", got)
	}
}

func TestTimers_ElapsedOneShotClamped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &fireLog{}
	tm := newTimers()
	tm.Bind(clock, log.fire)

	start := clock.Now().UnixMilli() - 5000
	tm.Restore(map[string]TimerRec{
		"due": {Start: start, Options: TimerOptions{Fname: "onDue", Delay: 1000}},
	})
	tm.Resume(nil)
	// Clamped to a small positive delay, not fired synchronously.
	if log.count() != 0 {
		t.Fatal("elapsed one-shot fired synchronously on resume")
	}
	clock.Advance(smallDelay + time.Millisecond)
	waitFor(t, func() bool { return log.count() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
