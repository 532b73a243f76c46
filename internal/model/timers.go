package model

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Catch-up bounds for interval timers resumed after a long gap. Resumption
// stops replaying missed ticks once either bound is hit.
const (
	maxCatchUpCalls = 100
	maxCatchUpWall  = time.Second
)

// smallDelay is the clamp for one-shot timers whose due time already passed
// while the entity was unloaded.
const smallDelay = 5 * time.Millisecond

// TimerOptions describes one scheduled call on an entity.
type TimerOptions struct {
	Fname     string `json:"fname"`
	Delay     int64  `json:"delay"` // ms; the period for interval timers
	Args      []any  `json:"args,omitempty"`
	Interval  bool   `json:"interval,omitempty"`
	NoCatchUp bool   `json:"noCatchUp,omitempty"`
	Internal  bool   `json:"internal,omitempty"` // internal timers are not persisted
}

// TimerRec is the persisted form of one timer: when it was scheduled plus its
// options.
type TimerRec struct {
	Start   int64        `json:"start"` // ms since epoch
	Options TimerOptions `json:"options"`
}

// FireFunc delivers a due timer. The persistence layer binds it to a request
// queue push so the call runs serialized with everything else touching the
// entity.
type FireFunc func(name, fname string, args []any)

// Timers is the scheduled-call set of one entity. Unbound timers (entity not
// yet installed in the live cache) only record; Bind attaches the clock and
// delivery hook and arms them.
type Timers struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	fire      FireFunc
	recs      map[string]TimerRec
	active    map[string]clockwork.Timer
	suspended bool
}

func newTimers() *Timers {
	return &Timers{
		recs:      make(map[string]TimerRec),
		active:    make(map[string]clockwork.Timer),
		suspended: true,
	}
}

// Bind attaches the clock and delivery hook. Timers stay suspended until
// Resume.
func (t *Timers) Bind(clock clockwork.Clock, fire FireFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	t.fire = fire
}

// Set schedules (or replaces) the named timer starting now.
func (t *Timers) Set(name string, opts TimerOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(name)
	start := time.Now().UnixMilli()
	if t.clock != nil {
		start = t.clock.Now().UnixMilli()
	}
	t.recs[name] = TimerRec{Start: start, Options: opts}
	if !t.suspended {
		t.armLocked(name)
	}
}

// Cancel stops and forgets the named timer.
func (t *Timers) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(name)
	delete(t.recs, name)
}

// Names returns the scheduled timer names.
func (t *Timers) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.recs))
	for n := range t.recs {
		names = append(names, n)
	}
	return names
}

// Snapshot returns the persistable timers (internal ones excluded).
func (t *Timers) Snapshot() map[string]TimerRec {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]TimerRec, len(t.recs))
	for n, r := range t.recs {
		if r.Options.Internal {
			continue
		}
		out[n] = r
	}
	return out
}

// Restore installs persisted timer records without arming them.
func (t *Timers) Restore(recs map[string]TimerRec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n, r := range recs {
		t.recs[n] = r
	}
}

// Suspend stops all armed timers. Records survive so Resume (or a reload
// after persistence) can rearm them.
func (t *Timers) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspended = true
	for n := range t.active {
		t.stopLocked(n)
	}
}

// Resume arms every recorded timer. Elapsed one-shots fire after a small
// clamp delay. Intervals replay the ticks missed while the entity was
// unloaded (bounded, skipped entirely with NoCatchUp), stop replaying the
// moment isDeleted reports true, then realign to the original cadence.
func (t *Timers) Resume(isDeleted func() bool) {
	t.mu.Lock()
	if t.clock == nil || t.fire == nil {
		t.mu.Unlock()
		return
	}
	t.suspended = false
	now := t.clock.Now().UnixMilli()

	type replay struct {
		name  string
		opts  TimerOptions
		count int64
	}
	var replays []replay

	for name, rec := range t.recs {
		opts := rec.Options
		if opts.Interval && opts.Delay > 0 {
			missed := (now - rec.Start) / opts.Delay
			if missed > 0 {
				if !opts.NoCatchUp {
					replays = append(replays, replay{name: name, opts: opts, count: missed})
				}
				rec.Start += missed * opts.Delay
				t.recs[name] = rec
			}
		}
		t.armLocked(name)
	}
	fire := t.fire
	t.mu.Unlock()

	wallStart := time.Now()
	for _, r := range replays {
		n := r.count
		if n > maxCatchUpCalls {
			n = maxCatchUpCalls
		}
		for i := int64(0); i < n; i++ {
			if isDeleted != nil && isDeleted() {
				return
			}
			if time.Since(wallStart) > maxCatchUpWall {
				return
			}
			fire(r.name, r.opts.Fname, r.opts.Args)
		}
	}
}

// armLocked schedules the named timer on the clock. Caller holds t.mu.
func (t *Timers) armLocked(name string) {
	rec, ok := t.recs[name]
	if !ok || t.clock == nil || t.fire == nil {
		return
	}
	due := time.Duration(rec.Start+rec.Options.Delay-t.clock.Now().UnixMilli()) * time.Millisecond
	if due <= 0 {
		due = smallDelay
	}
	t.active[name] = t.clock.AfterFunc(due, func() { t.expire(name) })
}

func (t *Timers) expire(name string) {
	t.mu.Lock()
	rec, ok := t.recs[name]
	if !ok || t.suspended {
		t.mu.Unlock()
		return
	}
	delete(t.active, name)
	if rec.Options.Interval {
		rec.Start += rec.Options.Delay
		t.recs[name] = rec
		t.armLocked(name)
	} else {
		delete(t.recs, name)
	}
	fire := t.fire
	t.mu.Unlock()

	fire(name, rec.Options.Fname, rec.Options.Args)
}

// stopLocked stops an armed timer. Caller holds t.mu.
func (t *Timers) stopLocked(name string) {
	if timer, ok := t.active[name]; ok {
		timer.Stop()
		delete(t.active, name)
	}
}
