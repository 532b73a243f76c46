// Package model defines the persistent entity type shared by every runtime
// subsystem: a GameObject identified by a TSID, carrying a class tag, a bag of
// domain properties, lifecycle flags and a set of scheduled timers. Entity
// behavior lives behind the Behavior interface; the runtime never dispatches
// methods by name outside of it.
package model

import (
	"fmt"
	"sync"
	"time"

	"github.com/warrengame/warren/internal/tsid"
)

// Ref is a lazy object reference: a link to another entity persisted as a
// {tsid, objref:true} stub and resolved on demand through the persistence
// layer.
type Ref struct {
	TSID string
}

// RC is the slice of the request context that entity code needs. The full
// context lives in the request package; behaviors and property accessors only
// see this.
type RC interface {
	// Tag returns the request's log tag.
	Tag() string
	// SetDirty schedules o for write-out when the request persists.
	SetDirty(o *Object)
	// SetUnload schedules o for unload after the request persists.
	SetUnload(o *Object)
	// Get dereferences a TSID through the persistence layer.
	Get(tsid string) (Handle, error)
}

// Handle is what a TSID dereferences to: either a local *Object or an RPC
// proxy for an entity owned by another game server. Callers cannot tell the
// two apart.
type Handle interface {
	TSID() string
	Kind() byte
	GetProp(rc RC, name string) (any, error)
	SetProp(rc RC, name string, v any) error
	Call(rc RC, fname string, args []any) (any, error)
}

// Well-known back-reference property names. The unload graph walker skips
// these to avoid walking cycles back up the containment tree.
const (
	PropOwner     = "owner"
	PropContainer = "container"
	PropLocation  = "location"
	PropTcont     = "tcont" // TSID of the top-level root container
	PropLabel     = "label"

	// PropMsgCache holds messages addressed to a player while their session
	// was mid hand-off; the GS that receives the player replays and clears it.
	PropMsgCache = "msg_cache"
)

// Object is one persistent entity. All field access goes through the mutex;
// handlers run on separate goroutines per queue and proxies may snapshot
// scalar fields concurrently.
type Object struct {
	mu      sync.Mutex
	tsid    string
	class   string
	created time.Time
	deleted bool
	stale   bool
	props   map[string]any
	timers  *Timers
}

// New constructs an Object with the given TSID and class tag. Props may be
// nil.
func New(id, class string, props map[string]any) *Object {
	if props == nil {
		props = make(map[string]any)
	}
	return &Object{
		tsid:    id,
		class:   class,
		created: time.Now(),
		props:   props,
		timers:  newTimers(),
	}
}

// TSID returns the entity's identifier. Immutable.
func (o *Object) TSID() string { return o.tsid }

// Kind returns the entity kind marker (first TSID character).
func (o *Object) Kind() byte { return tsid.Kind(o.tsid) }

// Class returns the class tag. Immutable after creation.
func (o *Object) Class() string { return o.class }

// Created returns the creation timestamp.
func (o *Object) Created() time.Time { return o.created }

// Deleted reports whether the entity is flagged for deletion.
func (o *Object) Deleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deleted
}

// MarkDeleted flags the entity; it will be written out as a delete after the
// other writes of the request that flagged it.
func (o *Object) MarkDeleted() {
	o.mu.Lock()
	o.deleted = true
	o.mu.Unlock()
}

// Stale reports whether the entity has been unloaded. A stale object must not
// be mutated; handlers holding one across an unload re-fetch by TSID.
func (o *Object) Stale() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stale
}

// MarkStale flags the entity as unloaded.
func (o *Object) MarkStale() {
	o.mu.Lock()
	o.stale = true
	o.mu.Unlock()
}

// Prop returns the raw value of a property without reference resolution.
func (o *Object) Prop(name string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.props[name]
	return v, ok
}

// PropNames returns the property names in unspecified order.
func (o *Object) PropNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.props))
	for k := range o.props {
		names = append(names, k)
	}
	return names
}

// GetProp returns a property value, resolving a Ref through the persistence
// layer so handlers see the referenced entity, not the stub.
func (o *Object) GetProp(rc RC, name string) (any, error) {
	o.mu.Lock()
	v := o.props[name]
	o.mu.Unlock()
	if ref, ok := v.(*Ref); ok {
		return rc.Get(ref.TSID)
	}
	return v, nil
}

// SetProp sets a property and marks the object dirty in the current request.
// Storing a Handle stores its Ref stub, never the live object itself.
func (o *Object) SetProp(rc RC, name string, v any) error {
	if o.Stale() {
		return fmt.Errorf("set %q on stale object %s", name, o.tsid)
	}
	if h, ok := v.(Handle); ok {
		v = &Ref{TSID: h.TSID()}
	}
	o.mu.Lock()
	o.props[name] = v
	o.mu.Unlock()
	rc.SetDirty(o)
	return nil
}

// DelProp removes a property and marks the object dirty.
func (o *Object) DelProp(rc RC, name string) {
	o.mu.Lock()
	delete(o.props, name)
	o.mu.Unlock()
	rc.SetDirty(o)
}

// Call dispatches a named method to the entity's behavior.
func (o *Object) Call(rc RC, fname string, args []any) (any, error) {
	return BehaviorFor(o.class).CallMethod(rc, o, fname, args)
}

// RootTSID returns the TSID of the top-level entity this object is reached
// through: itself for locations, groups and players, the recorded top
// container otherwise. Empty when a dependent has no recorded root.
func (o *Object) RootTSID() string {
	if tsid.IsTopLevel(o.tsid) {
		return o.tsid
	}
	if v, ok := o.Prop(PropTcont); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Timers returns the entity's timer set.
func (o *Object) Timers() *Timers { return o.timers }
