package model

import (
	"fmt"
	"sync"
)

// ErrUnknownMethod is returned by CallMethod for a method the behavior does
// not implement.
type ErrUnknownMethod struct {
	Class string
	Fname string
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("class %q has no method %q", e.Class, e.Fname)
}

// Behavior is scripted content seen from the runtime: lifecycle hooks plus a
// generic named-method dispatcher used by client requests, RPC arrivals and
// timers. Implementations are content-specific; the runtime only knows this
// interface.
type Behavior interface {
	// OnCreate runs once when the entity is minted.
	OnCreate(rc RC, o *Object) error
	// OnLoad runs after the entity is read from storage and installed in the
	// live cache. It must not suspend: no storage reads, no RPC.
	OnLoad(rc RC, o *Object) error
	// CallMethod dispatches a named method call.
	CallMethod(rc RC, o *Object, fname string, args []any) (any, error)
}

// PlayerBehavior adds the session lifecycle hooks player classes implement.
type PlayerBehavior interface {
	Behavior
	OnLogin(rc RC, pc *Object) error
	OnRelogin(rc RC, pc *Object) error
	OnDisconnect(rc RC, pc *Object) error
}

// LocationBehavior adds the hooks location classes implement when players
// come and go.
type LocationBehavior interface {
	Behavior
	OnPlayerEnter(rc RC, loc, pc *Object) error
	OnPlayerExit(rc RC, loc, pc *Object) error
}

// BaseBehavior is a no-op Behavior for classes without content. Embed it to
// implement only the hooks a class cares about.
type BaseBehavior struct{}

func (BaseBehavior) OnCreate(RC, *Object) error { return nil }
func (BaseBehavior) OnLoad(RC, *Object) error   { return nil }
func (BaseBehavior) CallMethod(rc RC, o *Object, fname string, args []any) (any, error) {
	return nil, &ErrUnknownMethod{Class: o.Class(), Fname: fname}
}

type classEntry struct {
	kind     byte
	behavior Behavior
}

var (
	classMu sync.RWMutex
	classes = map[string]classEntry{}
)

// RegisterClass binds a class tag to its entity kind and behavior. Content
// packages call it from init; re-registering a tag replaces the previous
// binding (used by tests).
func RegisterClass(class string, kind byte, b Behavior) {
	classMu.Lock()
	defer classMu.Unlock()
	classes[class] = classEntry{kind: kind, behavior: b}
}

// BehaviorFor returns the behavior registered for a class tag, or
// BaseBehavior when the tag is unknown.
func BehaviorFor(class string) Behavior {
	classMu.RLock()
	defer classMu.RUnlock()
	if e, ok := classes[class]; ok {
		return e.behavior
	}
	return BaseBehavior{}
}

// KindForClass returns the entity kind registered for a class tag.
func KindForClass(class string) (byte, bool) {
	classMu.RLock()
	defer classMu.RUnlock()
	e, ok := classes[class]
	return e.kind, ok
}
