package pers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/warrengame/warren/internal/metrics"
	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/tsid"
)

// RC is the slice of the request context the persistence layer needs: the
// per-request object cache plus the added set. The request package implements
// it.
type RC interface {
	model.RC
	CacheGet(tsid string) (model.Handle, bool)
	CachePut(tsid string, h model.Handle)
	MarkAdded(o *model.Object)
}

// Config wires a Cache into the runtime. IsLocal comes from the cluster map;
// MakeRemote from the RPC layer; FireTimer pushes a timer delivery onto the
// owning entity's request queue.
type Config struct {
	Driver     Driver
	IsLocal    func(tsid string) bool
	MakeRemote func(tsid string) model.Handle
	FireTimer  func(obj *model.Object, fname string, args []any)
	Clock      clockwork.Clock
	Generator  *tsid.Generator
	Metrics    *metrics.Metrics
}

// Cache is the live-object cache: the authoritative in-memory copy of every
// locally-owned entity, plus cached RPC proxies for entities owned elsewhere.
type Cache struct {
	drv        Driver
	isLocal    func(string) bool
	makeRemote func(string) model.Handle
	fireTimer  func(*model.Object, string, []any)
	clock      clockwork.Clock
	gen        *tsid.Generator
	mtr        *metrics.Metrics

	live    *xsync.Map[string, *model.Object]
	proxies *xsync.Map[string, model.Handle]
	loads   singleflight.Group

	shutdown atomic.Bool
	errCount atomic.Uint64
}

// NewCache builds a Cache. Driver and IsLocal are required; the rest default
// sensibly for tests.
func NewCache(cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	gen := cfg.Generator
	if gen == nil {
		gen = tsid.NewGenerator(0)
	}
	isLocal := cfg.IsLocal
	if isLocal == nil {
		isLocal = func(string) bool { return true }
	}
	return &Cache{
		drv:        cfg.Driver,
		isLocal:    isLocal,
		makeRemote: cfg.MakeRemote,
		fireTimer:  cfg.FireTimer,
		clock:      clock,
		gen:        gen,
		mtr:        cfg.Metrics,
		live:       xsync.NewMap[string, *model.Object](),
		proxies:    xsync.NewMap[string, model.Handle](),
	}
}

// Live returns the live-cache entry for a TSID, without loading.
func (c *Cache) Live(id string) (*model.Object, bool) {
	return c.live.Load(id)
}

// LiveCount returns the number of entities in the live cache.
func (c *Cache) LiveCount() int {
	return c.live.Size()
}

// Get dereferences a TSID. Resolution order: live cache, cached proxy
// (unless noProxy), the request's own cache, then a storage load. Within one
// request context repeated Gets return the same reference.
func (c *Cache) Get(rc RC, id string, noProxy bool) (model.Handle, error) {
	if o, ok := c.live.Load(id); ok {
		return o, nil
	}
	if !noProxy {
		if p, ok := c.proxies.Load(id); ok {
			return p, nil
		}
	}
	if rc != nil {
		if h, ok := rc.CacheGet(id); ok {
			return h, nil
		}
	}
	return c.load(rc, id)
}

// load reads the record, rebuilds the entity and installs it: locally-owned
// objects go into the live cache (re-checking for a racing load before
// install), non-owned ones become RPC proxies cached in the request context
// only. Concurrent loads of the same TSID collapse into one driver read.
func (c *Cache) load(rc RC, id string) (model.Handle, error) {
	v, err, _ := c.loads.Do(id, func() (any, error) {
		// A racing load may have installed the object while we waited for
		// the flight.
		if o, ok := c.live.Load(id); ok {
			return o, nil
		}

		raw, err := c.drv.Read(context.Background(), id)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", id, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		if !c.isLocal(id) {
			if c.makeRemote == nil {
				return nil, fmt.Errorf("object %s is not local and no rpc layer is wired", id)
			}
			// The proxy registry keeps later cross-request derefs off the
			// driver; rollback and unload evict from it.
			p, _ := c.proxies.LoadOrStore(id, c.makeRemote(id))
			return p, nil
		}

		o, err := model.FromRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("rebuilding %s: %w", id, err)
		}

		// The driver read suspended us; another task may have installed the
		// object meanwhile. LoadOrStore keeps exactly one live instance.
		existing, raced := c.live.LoadOrStore(id, o)
		if raced {
			return existing, nil
		}
		c.installed(o)

		if rc != nil {
			if err := model.BehaviorFor(o.Class()).OnLoad(rc, o); err != nil {
				slog.Error("onLoad hook failed", "tsid", id, "class", o.Class(), "error", err)
			}
		}
		o.Timers().Resume(o.Deleted)
		return o, nil
	})
	if err != nil {
		return nil, err
	}

	h := v.(model.Handle)
	if rc != nil {
		rc.CachePut(id, h)
	}
	return h, nil
}

// Create mints a new entity. When props carries an explicit "tsid" it is
// used (and must not collide unless upsert); otherwise a fresh TSID of the
// class's registered kind is minted. The new object lands in the live cache,
// is marked added in the request, and gets its onCreate hook.
func (c *Cache) Create(rc RC, class string, props map[string]any, upsert bool) (*model.Object, error) {
	if c.shutdown.Load() {
		return nil, ErrShutdown
	}

	var id string
	if props != nil {
		if v, ok := props["tsid"].(string); ok && v != "" {
			id = v
			delete(props, "tsid")
		}
	}
	if id == "" {
		kind, ok := model.KindForClass(class)
		if !ok {
			return nil, fmt.Errorf("creating %q: class has no registered kind and no tsid given", class)
		}
		id = c.gen.Next(kind)
	}

	o := model.New(id, class, props)
	if upsert {
		c.live.Store(id, o)
	} else if _, raced := c.live.LoadOrStore(id, o); raced {
		return nil, &ErrDuplicate{TSID: id}
	}
	c.installed(o)

	if rc != nil {
		rc.MarkAdded(o)
		rc.CachePut(id, o)
		if err := model.BehaviorFor(class).OnCreate(rc, o); err != nil {
			return nil, fmt.Errorf("onCreate for %s: %w", id, err)
		}
	}
	o.Timers().Resume(o.Deleted)
	return o, nil
}

// Exists reports whether a record is present in storage, without loading.
// Meant for rare branching, not for pre-write existence checks.
func (c *Cache) Exists(ctx context.Context, id string) (bool, error) {
	raw, err := c.drv.Read(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", id, err)
	}
	return raw != nil, nil
}

// installed wires timers and metrics for a freshly cached object.
func (c *Cache) installed(o *model.Object) {
	if c.fireTimer != nil {
		obj := o
		o.Timers().Bind(c.clock, func(name, fname string, args []any) {
			c.fireTimer(obj, fname, args)
		})
	} else {
		o.Timers().Bind(c.clock, func(string, string, []any) {})
	}
	if c.mtr != nil {
		c.mtr.LiveObjects.Set(float64(c.live.Size()))
	}
}

// dropped updates metrics after cache removal.
func (c *Cache) dropped() {
	if c.mtr != nil {
		c.mtr.LiveObjects.Set(float64(c.live.Size()))
	}
}
