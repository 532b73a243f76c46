package request

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned for pushes onto a draining or shut-down queue.
var ErrQueueClosed = errors.New("request queue is closed")

// Options tune one queue entry.
type Options struct {
	// WaitPers delays the entry's callback until persistence completed.
	WaitPers bool
	// Close flips the queue into draining after this entry is accepted.
	Close bool
	// Session is attached to the entry's context for response routing.
	Session Session
}

// Entry is one queued unit of work.
type Entry struct {
	Tag      string
	Func     Func
	Callback Callback
	Options  Options
	canceled atomic.Bool
}

// Cancel marks the entry so handle skips it. There is no mid-execution
// cancellation; an entry already running completes.
func (e *Entry) Cancel() { e.canceled.Store(true) }

// Queue serializes all work against one top-level entity (or one named
// global concern): entries run strictly one at a time, in FIFO order, each
// wrapped in a fresh Context.
type Queue struct {
	id  string
	mgr *Manager

	mu         sync.Mutex
	entries    []*Entry
	inProgress *Entry
	cur        *Context // context of the in-progress entry, for nested bypass
	closing    bool
	closeCb    func()
	kicked     bool
}

// ID returns the queue's TSID or global name.
func (q *Queue) ID() string { return q.id }

// Push appends an entry. A push whose tag extends the in-progress entry's
// tag at a ":" boundary is a nested call: it bypasses the queue and runs
// inline on the in-progress entry's context. That is the only way a handler
// can call back into its own queue without deadlocking, and such pushes must
// come from the running handler itself, with a tag of parentTag + ":" +
// suffix.
func (q *Queue) Push(tag string, fn Func, cb Callback, opts Options) (*Entry, error) {
	q.mu.Lock()
	if q.closing || (q.mgr != nil && q.mgr.shuttingDown.Load()) {
		q.mu.Unlock()
		if cb != nil {
			cb(ErrQueueClosed, nil)
		}
		return nil, ErrQueueClosed
	}

	if q.inProgress != nil && q.cur != nil && isNested(tag, q.inProgress.Tag) {
		cur := q.cur
		q.mu.Unlock()
		q.runNested(tag, cur, fn, cb)
		return nil, nil
	}

	e := &Entry{Tag: tag, Func: fn, Callback: cb, Options: opts}
	q.entries = append(q.entries, e)
	if opts.Close {
		q.closing = true
	}
	q.kickLocked()
	q.mu.Unlock()
	return e, nil
}

// Close flips the queue into draining. cb fires once, after the last entry
// finished and the queue deregistered.
func (q *Queue) Close(cb func()) {
	q.mu.Lock()
	q.closing = true
	if cb != nil {
		prev := q.closeCb
		q.closeCb = func() {
			if prev != nil {
				prev()
			}
			cb()
		}
	}
	q.kickLocked()
	q.mu.Unlock()
}

// Len returns the number of waiting entries (excluding in-progress).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// isNested reports whether tag extends parent at a ":" boundary. A plain
// string prefix is not enough: tags end in sequence numbers, so "...:1" is a
// prefix of "...:10" without any nesting relation, and an identical tag is a
// repeat (an interval timer re-firing), not a nested call.
func isNested(tag, parent string) bool {
	return len(tag) > len(parent) &&
		strings.HasPrefix(tag, parent) &&
		tag[len(parent)] == ':'
}

// runNested executes a nested call inline on the parent entry's context, so
// it shares the parent's object cache and persistence sets and never waits
// for the queue.
func (q *Queue) runNested(tag string, parent *Context, fn Func, cb Callback) {
	var res any
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("nested handler panic: %v\n%s", p, debug.Stack())
			}
		}()
		res, err = fn(parent)
		return
	}()
	if err != nil {
		slog.Debug("nested call failed", "tag", tag, "parent", parent.Tag(), "error", err)
	}
	if cb != nil {
		cb(err, res)
	}
}

// kickLocked schedules one scheduler step. Multiple rapid pushes batch into
// a single step. Caller holds q.mu.
func (q *Queue) kickLocked() {
	if q.kicked {
		return
	}
	q.kicked = true
	go q.next()
}

// next is one scheduler step: start the head entry if nothing is in
// progress, or finish draining.
func (q *Queue) next() {
	q.mu.Lock()
	q.kicked = false
	if q.inProgress != nil {
		q.mu.Unlock()
		return
	}
	if len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.inProgress = e
		q.mu.Unlock()
		q.handle(e)
		return
	}
	closing := q.closing
	cb := q.closeCb
	q.closeCb = nil
	q.mu.Unlock()

	if closing {
		if q.mgr != nil {
			q.mgr.remove(q.id)
		}
		if cb != nil {
			cb()
		}
	}
}

// handle runs one entry to completion, then restarts the scheduler.
func (q *Queue) handle(e *Entry) {
	if e.canceled.Load() {
		q.mu.Lock()
		q.inProgress = nil
		q.kickLocked()
		q.mu.Unlock()
		return
	}

	rc := NewContext(e.Tag, q.id, e.Options.Session, q, q.mgr.persCache())

	q.mu.Lock()
	q.cur = rc
	q.mu.Unlock()

	rc.Run(e.Func, e.Callback, e.Options.WaitPers)

	q.mu.Lock()
	q.inProgress = nil
	q.cur = nil
	q.kickLocked()
	q.mu.Unlock()
}
