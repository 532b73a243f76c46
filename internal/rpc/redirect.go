package rpc

import (
	"fmt"

	"github.com/warrengame/warren/internal/cluster"
	"github.com/warrengame/warren/internal/request"
)

// Router wraps redirectable server APIs: entrypoints that must run on the
// owner GS of their target entity but are callable from anywhere in the
// cluster.
type Router struct {
	cmap *cluster.Map
	pool *Pool
	gw   *Gateway
}

// NewRouter builds a router that registers its wrapped APIs on gw.
func NewRouter(cmap *cluster.Map, pool *Pool, gw *Gateway) *Router {
	return &Router{cmap: cmap, pool: pool, gw: gw}
}

// Redirectable registers fn under name and returns the redirecting wrapper.
// At call time the wrapper inspects the target TSID (fixedTsid when given,
// otherwise the first argument): local targets run fn directly; remote ones
// forward over the gs channel with the forwarded flag set, so the remote
// side fails loudly instead of forwarding a second time.
func (r *Router) Redirectable(name string, fn APIFunc, fixedTsid string) APIFunc {
	r.gw.api[name] = apiEntry{fn: fn, fixedTsid: fixedTsid}

	return func(rc *request.Context, args []any) (any, error) {
		target := fixedTsid
		if target == "" && len(args) > 0 {
			target, _ = args[0].(string)
		}
		if target == "" {
			return nil, fmt.Errorf("redirectable %s: no target tsid", name)
		}
		if r.cmap.IsLocal(target) {
			return fn(rc, args)
		}
		return r.pool.Send(r.cmap.Owner(target), &CallArgs{
			Channel:   "gs",
			Fname:     name,
			Args:      args,
			Tag:       tagOf(rc),
			Forwarded: true,
		})
	}
}
