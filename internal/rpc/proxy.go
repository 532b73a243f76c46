package rpc

import (
	"sync"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/tsid"
)

// snapshotFname is the wire method proxies use to prefetch scalar fields.
const snapshotFname = "__snapshot"

// RemoteObject is the RPC proxy for an entity owned by another GS. It
// implements model.Handle so handlers cannot tell it from a local object:
// method calls and property writes round-trip to the owner; scalar property
// reads are served from a snapshot fetched on first use.
type RemoteObject struct {
	tsid  string
	owner string
	pool  *Pool

	once    sync.Once
	snap    map[string]any
	snapErr error
}

// NewRemoteObject builds a proxy for the given TSID, owned by owner.
func NewRemoteObject(id, owner string, pool *Pool) *RemoteObject {
	return &RemoteObject{tsid: id, owner: owner, pool: pool}
}

// TSID returns the proxied entity's identifier.
func (r *RemoteObject) TSID() string { return r.tsid }

// Kind returns the proxied entity's kind marker.
func (r *RemoteObject) Kind() byte { return tsid.Kind(r.tsid) }

// Owner returns the owning GS id.
func (r *RemoteObject) Owner() string { return r.owner }

// Call dispatches a method on the owner GS, carrying the caller's tag so a
// call that loops back into the caller's own request nests instead of
// deadlocking.
func (r *RemoteObject) Call(rc model.RC, fname string, args []any) (any, error) {
	return r.pool.Send(r.owner, &CallArgs{
		Channel: "obj",
		Fname:   fname,
		Args:    append([]any{r.tsid}, args...),
		Tag:     tagOf(rc),
	})
}

// GetProp serves scalar reads from the prefetched snapshot and round-trips
// everything else.
func (r *RemoteObject) GetProp(rc model.RC, name string) (any, error) {
	r.once.Do(func() {
		res, err := r.Call(rc, snapshotFname, nil)
		if err != nil {
			r.snapErr = err
			return
		}
		if m, ok := res.(map[string]any); ok {
			r.snap = m
		}
	})
	if r.snapErr == nil && r.snap != nil {
		if v, ok := r.snap[name]; ok {
			return v, nil
		}
	}
	v, err := r.Call(rc, "getProp", []any{name})
	if err != nil {
		return nil, err
	}
	if id, ok := model.IsRefStub(v); ok {
		return rc.Get(id)
	}
	return v, nil
}

// SetProp round-trips a property write to the owner.
func (r *RemoteObject) SetProp(rc model.RC, name string, v any) error {
	if h, ok := v.(model.Handle); ok {
		v = map[string]any{"tsid": h.TSID(), "objref": true}
	}
	_, err := r.Call(rc, "setProp", []any{name, v})
	return err
}

func tagOf(rc model.RC) string {
	if rc == nil {
		return "rpc"
	}
	return rc.Tag()
}
