// Package rpc is the worker-to-worker call layer: a jsonrpc gateway every GS
// serves, a lazily-dialed client pool, transparent proxies for non-owned
// entities and request forwarding for redirectable APIs.
package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/warrengame/warren/internal/cluster"
	"github.com/warrengame/warren/internal/metrics"
)

// CallArgs is one inter-GS request: (channel, fname, args) plus the caller's
// request tag (carried so nested-call bypass holds across servers) and the
// forwarded flag for redirectable APIs.
type CallArgs struct {
	Channel   string `json:"channel"` // "obj" or "gs"
	Fname     string `json:"fname"`
	Args      []any  `json:"args"`
	Tag       string `json:"tag"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

// CallReply carries the call result.
type CallReply struct {
	Result any `json:"result"`
}

// PingArgs/PingReply back the cluster health check.
type PingArgs struct {
	From string `json:"from"`
}

type PingReply struct {
	GSID string `json:"gsid"`
	TS   int64  `json:"ts"`
}

// Pool maintains one lazily-dialed client per peer GS. A failed call drops
// the cached client; the next call redials.
type Pool struct {
	cmap *cluster.Map
	mtr  *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*rpc.Client
}

// NewPool creates the client pool. Metrics may be nil.
func NewPool(cmap *cluster.Map, mtr *metrics.Metrics) *Pool {
	return &Pool{cmap: cmap, mtr: mtr, conns: make(map[string]*rpc.Client)}
}

func (p *Pool) client(gsid string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[gsid]; ok {
		return c, nil
	}
	conf, ok := p.cmap.GSConf(gsid)
	if !ok {
		return nil, &Error{Kind: KindTransport, GSID: gsid, Msg: "unknown gs id"}
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", conf.Host, conf.RPCPort))
	if err != nil {
		return nil, &Error{Kind: KindTransport, GSID: gsid, Err: err}
	}
	c := jsonrpc.NewClient(conn)
	p.conns[gsid] = c
	return c, nil
}

// drop discards a (presumably broken) cached client.
func (p *Pool) drop(gsid string, c *rpc.Client) {
	p.mu.Lock()
	if p.conns[gsid] == c {
		delete(p.conns, gsid)
	}
	p.mu.Unlock()
	c.Close()
}

// Send performs a synchronous call to the named GS.
func (p *Pool) Send(gsid string, args *CallArgs) (any, error) {
	c, err := p.client(gsid)
	if err != nil {
		return nil, err
	}
	if p.mtr != nil {
		p.mtr.RPCCallsTotal.WithLabelValues("out").Inc()
	}
	var reply CallReply
	if err := c.Call("Gateway.Call", args, &reply); err != nil {
		return nil, p.wrapCallError(gsid, c, err)
	}
	return reply.Result, nil
}

// SendTimeout performs a call with a caller-imposed deadline. A timeout
// leaves the call running; only the wait is abandoned.
func (p *Pool) SendTimeout(gsid string, args *CallArgs, d time.Duration) (any, error) {
	c, err := p.client(gsid)
	if err != nil {
		return nil, err
	}
	if p.mtr != nil {
		p.mtr.RPCCallsTotal.WithLabelValues("out").Inc()
	}
	var reply CallReply
	call := c.Go("Gateway.Call", args, &reply, make(chan *rpc.Call, 1))
	select {
	case done := <-call.Done:
		if done.Error != nil {
			return nil, p.wrapCallError(gsid, c, done.Error)
		}
		return reply.Result, nil
	case <-time.After(d):
		return nil, &Error{Kind: KindTimeout, GSID: gsid, Msg: fmt.Sprintf("no reply within %v", d)}
	}
}

// Ping round-trips the health probe.
func (p *Pool) Ping(gsid string, d time.Duration) error {
	c, err := p.client(gsid)
	if err != nil {
		return err
	}
	var reply PingReply
	call := c.Go("Gateway.Ping", &PingArgs{From: p.cmap.Local().GSID}, &reply, make(chan *rpc.Call, 1))
	select {
	case done := <-call.Done:
		if done.Error != nil {
			return p.wrapCallError(gsid, c, done.Error)
		}
		return nil
	case <-time.After(d):
		return &Error{Kind: KindTimeout, GSID: gsid, Msg: fmt.Sprintf("no reply within %v", d)}
	}
}

// Close closes every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for gsid, c := range p.conns {
		c.Close()
		delete(p.conns, gsid)
	}
}

// wrapCallError maps a net/rpc error to a typed one. Remote-raised errors
// arrive as ServerError strings; everything else is a broken transport and
// drops the cached client.
func (p *Pool) wrapCallError(gsid string, c *rpc.Client, err error) error {
	if _, ok := err.(rpc.ServerError); ok {
		kind := KindRemote
		if strings.Contains(err.Error(), redirectLoopMsg) {
			kind = KindRedirectLoop
		}
		return &Error{Kind: kind, GSID: gsid, Msg: err.Error()}
	}
	p.drop(gsid, c)
	return &Error{Kind: KindTransport, GSID: gsid, Err: err}
}
