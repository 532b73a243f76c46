package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/warrengame/warren/internal/cluster"
	"github.com/warrengame/warren/internal/metrics"
	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/request"
)

// APIFunc is a named static server API, callable over the "gs" channel.
type APIFunc func(rc *request.Context, args []any) (any, error)

type apiEntry struct {
	fn        APIFunc
	fixedTsid string
}

// Gateway serves incoming worker-to-worker calls. Object calls resolve their
// target through the _PERSGET queue and then run on the target's root queue
// under the caller's tag; gs calls dispatch into the static API table.
type Gateway struct {
	cmap *cluster.Map
	mgr  *request.Manager
	pool *Pool
	mtr  *metrics.Metrics
	api  map[string]apiEntry
}

// NewGateway builds the gateway. Register APIs before Serve.
func NewGateway(cmap *cluster.Map, mgr *request.Manager, pool *Pool, mtr *metrics.Metrics) *Gateway {
	return &Gateway{
		cmap: cmap,
		mgr:  mgr,
		pool: pool,
		mtr:  mtr,
		api:  make(map[string]apiEntry),
	}
}

// Register installs a named static API.
func (g *Gateway) Register(name string, fn APIFunc) {
	g.api[name] = apiEntry{fn: fn}
}

// Call is the jsonrpc entrypoint for both channels.
func (g *Gateway) Call(args *CallArgs, reply *CallReply) error {
	if g.mtr != nil {
		g.mtr.RPCCallsTotal.WithLabelValues("in").Inc()
	}
	switch args.Channel {
	case "obj":
		return g.objCall(args, reply)
	case "gs":
		return g.gsCall(args, reply)
	default:
		return fmt.Errorf("unknown rpc channel %q", args.Channel)
	}
}

// Ping answers the cluster health probe.
func (g *Gateway) Ping(args *PingArgs, reply *PingReply) error {
	reply.GSID = g.cmap.Local().GSID
	reply.TS = time.Now().Unix()
	return nil
}

// objCall invokes a method on the object named by args.Args[0]. Stage one
// resolves the object on the _PERSGET queue; stage two runs the method on
// the object's root queue with the caller's tag, so a call that loops back
// into an in-progress request lands as a nested entry instead of
// deadlocking.
func (g *Gateway) objCall(args *CallArgs, reply *CallReply) error {
	if len(args.Args) == 0 {
		return errors.New("obj call without target tsid")
	}
	id, ok := args.Args[0].(string)
	if !ok || id == "" {
		return fmt.Errorf("obj call target %v is not a tsid", args.Args[0])
	}
	if !g.cmap.IsLocal(id) {
		return fmt.Errorf("obj call for %s landed on non-owner %s", id, g.cmap.Local().GSID)
	}

	obj, err := g.resolve(args.Tag, id)
	if err != nil {
		return err
	}

	res, err := g.runOnRoot(args.Tag, obj, func(rc *request.Context) (any, error) {
		return dispatchObj(rc, obj, args.Fname, args.Args[1:])
	})
	if err != nil {
		return err
	}
	reply.Result = res
	return nil
}

// resolve loads the target object through the _PERSGET global queue.
func (g *Gateway) resolve(tag, id string) (*model.Object, error) {
	type outcome struct {
		obj *model.Object
		err error
	}
	ch := make(chan outcome, 1)
	_, err := g.mgr.Queue(request.PersGetQueue).Push(tag+":persget",
		func(rc *request.Context) (any, error) {
			h, err := rc.GetNoProxy(id)
			if err != nil {
				return nil, err
			}
			o, ok := h.(*model.Object)
			if !ok {
				return nil, fmt.Errorf("resolving %s yielded a proxy on its own owner", id)
			}
			return o, nil
		},
		func(err error, res any) {
			if err != nil {
				ch <- outcome{err: err}
				return
			}
			ch <- outcome{obj: res.(*model.Object)}
		}, request.Options{})
	if err != nil {
		return nil, err
	}
	out := <-ch
	return out.obj, out.err
}

// runOnRoot pushes fn onto the object's root queue and waits for the result.
func (g *Gateway) runOnRoot(tag string, obj *model.Object, fn request.Func) (any, error) {
	type outcome struct {
		res any
		err error
	}
	ch := make(chan outcome, 1)
	_, err := g.mgr.QueueFor(obj).Push(tag, fn, func(err error, res any) {
		ch <- outcome{res: res, err: err}
	}, request.Options{})
	if err != nil {
		return nil, err
	}
	out := <-ch
	return out.res, out.err
}

// dispatchObj maps the wire fname onto the object: the property and snapshot
// accessors are handled by the runtime, everything else goes to the
// behavior.
func dispatchObj(rc *request.Context, obj *model.Object, fname string, args []any) (any, error) {
	switch fname {
	case "getProp":
		name, _ := args[0].(string)
		v, err := obj.GetProp(rc, name)
		if err != nil {
			return nil, err
		}
		if h, ok := v.(model.Handle); ok {
			// Objects cross the wire as reference stubs.
			return map[string]any{"tsid": h.TSID(), "objref": true}, nil
		}
		return v, nil
	case "setProp":
		if len(args) < 2 {
			return nil, errors.New("setProp needs name and value")
		}
		name, _ := args[0].(string)
		return nil, obj.SetProp(rc, name, args[1])
	case snapshotFname:
		return scalarSnapshot(obj), nil
	default:
		return obj.Call(rc, fname, args)
	}
}

// scalarSnapshot captures the scalar properties proxies may serve reads
// from.
func scalarSnapshot(o *model.Object) map[string]any {
	snap := map[string]any{
		"class_tsid": o.Class(),
	}
	for _, name := range o.PropNames() {
		v, _ := o.Prop(name)
		switch v.(type) {
		case nil, bool, string, int, int64, float64:
			snap[name] = v
		}
	}
	return snap
}

// gsCall dispatches a static API call, re-checking ownership for forwarded
// redirectable calls.
func (g *Gateway) gsCall(args *CallArgs, reply *CallReply) error {
	entry, ok := g.api[args.Fname]
	if !ok {
		return fmt.Errorf("unknown gs api %q", args.Fname)
	}

	target := entry.fixedTsid
	if target == "" && len(args.Args) > 0 {
		target, _ = args.Args[0].(string)
	}
	if args.Forwarded && target != "" && !g.cmap.IsLocal(target) {
		return fmt.Errorf("%s: %s forwarded to %s but owned by %s",
			redirectLoopMsg, args.Fname, g.cmap.Local().GSID, g.cmap.Owner(target))
	}

	queueID := request.PersGetQueue
	if target != "" {
		queueID = target
	}
	type outcome struct {
		res any
		err error
	}
	ch := make(chan outcome, 1)
	_, err := g.mgr.Queue(queueID).Push(args.Tag, func(rc *request.Context) (any, error) {
		return entry.fn(rc, args.Args)
	}, func(err error, res any) {
		ch <- outcome{res: res, err: err}
	}, request.Options{})
	if err != nil {
		return err
	}
	out := <-ch
	if out.err != nil {
		return out.err
	}
	reply.Result = out.res
	return nil
}

// Server accepts jsonrpc connections for the gateway.
type Server struct {
	gw *Gateway
	ln net.Listener
}

// NewServer wraps a gateway.
func NewServer(gw *Gateway) *Server {
	return &Server{gw: gw}
}

// Listen binds the local GS's RPC port.
func (s *Server) Listen() error {
	conf := s.gw.cmap.Local()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.RPCPort))
	if err != nil {
		return fmt.Errorf("listening on rpc port %d: %w", conf.RPCPort, err)
	}
	s.ln = ln
	return nil
}

// Serve runs the accept loop until the listener closes.
func (s *Server) Serve() error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Gateway", s.gw); err != nil {
		return fmt.Errorf("registering gateway: %w", err)
	}
	slog.Info("rpc listening", "addr", s.ln.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rpc accept: %w", err)
		}
		go srv.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Close stops accepting.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
