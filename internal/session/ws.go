package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
)

// WSServer is the websocket flavor of the client server: the same message
// pump, with the websocket's own framing instead of the length prefix.
type WSServer struct {
	hub  *Hub
	addr string
	srv  *http.Server
}

// NewWSServer binds a websocket endpoint at /ws on addr.
func NewWSServer(hub *Hub, addr string) *WSServer {
	w := &WSServer{hub: hub, addr: addr}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.serveWS)
	w.srv = &http.Server{Addr: addr, Handler: mux}
	return w
}

// Run serves until ctx is canceled.
func (w *WSServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.srv.Shutdown(shutCtx)
	}()
	slog.Info("websocket server started", "address", w.addr)
	if err := w.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WSServer) serveWS(rw http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufSize,
		WriteBufferSize: readBufSize,
		// Game clients are native apps, not same-origin browser pages.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(int64(w.hub.maxMsgSize))

	sess := newSession(w.hub, &wsConn{c: conn})
	defer func() {
		if p := recover(); p != nil {
			slog.Error("websocket handler panicked",
				"session", sess.ID(), "panic", p, "stack", string(debug.Stack()))
		}
		sess.socketClosed()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "session", sess.ID(), "error", err)
			}
			return
		}
		sess.HandleFrame(payload)
	}
}
