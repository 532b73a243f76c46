package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/warrengame/warren/internal/protocol"
)

const readBufSize = 32 * 1024

// Server accepts framed TCP client connections and pumps their messages
// through the hub.
type Server struct {
	hub  *Hub
	addr string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer binds a client-facing TCP server to the hub. addr is
// "host:port"; the cluster map's local entry provides it.
func NewServer(hub *Hub, addr string) *Server {
	return &Server{hub: hub, addr: addr}
}

// Addr returns the listen address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on a caller-provided listener. Tests pass their
// own.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("client server started", "address", ln.Addr())
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			slog.Error("accepting client connection", "error", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetKeepAlive(true); err == nil {
				_ = tc.SetKeepAlivePeriod(30 * time.Second)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}

	wg.Wait()
	s.hub.CloseAll()
	return nil
}

// handleConn owns one TCP connection: create the session, decode frames,
// feed the pump. A panic kills only this connection.
func (s *Server) handleConn(conn net.Conn) {
	sess := newSession(s.hub, &tcpConn{c: conn})
	defer func() {
		if p := recover(); p != nil {
			slog.Error("connection handler panicked",
				"session", sess.ID(), "panic", p, "stack", string(debug.Stack()))
		}
		sess.socketClosed()
	}()

	dec := protocol.NewDecoder(s.hub.maxMsgSize)
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Push(buf[:n])
			for _, payload := range frames {
				sess.HandleFrame(payload)
			}
			if derr != nil {
				slog.Warn("destroying connection on oversized frame",
					"session", sess.ID(), "error", derr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("client read failed", "session", sess.ID(), "error", err)
			}
			return
		}
	}
}
