// Package request implements the unit-of-work model: one Context per logical
// request, serialized by one Queue per top-level entity. A handler's effects
// are collected in the context's added/dirty/unload sets and flushed through
// the persistence layer when the handler returns, or rolled back when it
// fails.
package request

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/pers"
)

// Session is the slice of the client session a request needs for routing
// responses. The session package implements it.
type Session interface {
	ID() string
	Send(msg map[string]any) error
}

// Func is a request handler. It runs exclusively on its queue; anything else
// pushed onto the same queue waits.
type Func func(rc *Context) (any, error)

// Callback receives the handler's outcome.
type Callback func(err error, res any)

// objSet is an insertion-ordered set of objects keyed by TSID. Insertion
// order drives write ordering in the persistence flush.
type objSet struct {
	order []*model.Object
	index map[string]bool
}

func (s *objSet) add(o *model.Object) bool {
	if s.index == nil {
		s.index = make(map[string]bool)
	}
	if s.index[o.TSID()] {
		return false
	}
	s.index[o.TSID()] = true
	s.order = append(s.order, o)
	return true
}

func (s *objSet) has(id string) bool { return s.index[id] }

// Context is the ambient state of one request: its log tag, owning entity,
// optional session, enclosing queue, per-request object cache and the three
// persistence sets.
type Context struct {
	tag     string
	owner   string
	session Session
	rq      *Queue
	pc      *pers.Cache

	cache  map[string]model.Handle
	added  objSet
	dirty  objSet
	unload objSet

	// PostPersCallback runs after the request's effects are persisted.
	// Errors (and panics) in it are logged and swallowed; it cannot
	// un-persist anything.
	PostPersCallback func()
}

// NewContext builds a Context. Exposed for the RPC layer and tests; queue
// handling constructs contexts itself.
func NewContext(tag, owner string, session Session, rq *Queue, pc *pers.Cache) *Context {
	return &Context{
		tag:     tag,
		owner:   owner,
		session: session,
		rq:      rq,
		pc:      pc,
		cache:   make(map[string]model.Handle),
	}
}

// Tag returns the request's log tag.
func (c *Context) Tag() string { return c.tag }

// Owner returns the TSID of the top-level entity the request runs against.
func (c *Context) Owner() string { return c.owner }

// Session returns the session the request arrived on, or nil.
func (c *Context) Session() Session { return c.session }

// RQ returns the enclosing request queue. Nested calls push through it.
func (c *Context) RQ() *Queue { return c.rq }

// Pers returns the persistence cache.
func (c *Context) Pers() *pers.Cache { return c.pc }

// Get dereferences a TSID through the persistence layer. Repeated calls for
// the same TSID within one context return the same reference.
func (c *Context) Get(id string) (model.Handle, error) {
	return c.pc.Get(c, id, false)
}

// GetNoProxy dereferences a TSID bypassing the cached-proxy shortcut.
func (c *Context) GetNoProxy(id string) (model.Handle, error) {
	return c.pc.Get(c, id, true)
}

// Create mints a new entity, marked added in this context.
func (c *Context) Create(class string, props map[string]any) (*model.Object, error) {
	return c.pc.Create(c, class, props, false)
}

// CreateUpsert mints or replaces an entity.
func (c *Context) CreateUpsert(class string, props map[string]any) (*model.Object, error) {
	return c.pc.Create(c, class, props, true)
}

// SetDirty schedules o for write-out. A no-op when o is already in the added
// set: a freshly created object is written as an add regardless of later
// mutation.
func (c *Context) SetDirty(o *model.Object) {
	if c.added.has(o.TSID()) {
		return
	}
	c.dirty.add(o)
}

// MarkAdded places o in the added set.
func (c *Context) MarkAdded(o *model.Object) {
	c.added.add(o)
}

// SetUnload stamps o stale and schedules it for unload after persistence.
func (c *Context) SetUnload(o *model.Object) {
	o.MarkStale()
	c.unload.add(o)
}

// CacheGet looks up the per-request object cache.
func (c *Context) CacheGet(id string) (model.Handle, bool) {
	h, ok := c.cache[id]
	return h, ok
}

// CachePut installs a handle in the per-request object cache.
func (c *Context) CachePut(id string, h model.Handle) {
	c.cache[id] = h
}

// Run executes the handler with this context and settles its effects:
// on error or panic the added/dirty sets are rolled back out of the caches;
// on success they are persisted, then PostPersCallback runs. With waitPers
// the callback fires after persistence completes (carrying any persistence
// error); without it the callback fires as soon as the handler returns,
// while persistence still finishes before the next queue entry starts.
func (c *Context) Run(fn Func, cb Callback, waitPers bool) {
	var res any
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
			}
		}()
		res, err = fn(c)
		return
	}()

	if err != nil {
		c.pc.PostRequestRollback(c.tag, c.dirty.order, c.added.order)
		if cb != nil {
			cb(err, nil)
		}
		return
	}

	if !waitPers && cb != nil {
		cb(nil, res)
	}

	perr := c.pc.PostRequestProc(context.Background(), c.tag, c.dirty.order, c.added.order, c.unload.order)
	if perr == nil && c.PostPersCallback != nil {
		c.runPostPers()
	}

	if waitPers && cb != nil {
		cb(perr, res)
	} else if perr != nil {
		slog.Error("post-request persistence failed", "tag", c.tag, "error", perr)
	}
}

func (c *Context) runPostPers() {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("post-persistence callback panicked", "tag", c.tag, "panic", p)
		}
	}()
	c.PostPersCallback()
}
