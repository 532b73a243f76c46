package session

import (
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/warrengame/warren/internal/protocol"
)

// Conn abstracts the client transport: a length-framed TCP socket or a
// websocket. Send takes one encoded message payload.
type Conn interface {
	Send(payload []byte) error
	Close() error
	RemoteAddr() string
}

// tcpConn frames messages with the 4-byte length header.
type tcpConn struct {
	mu sync.Mutex
	c  net.Conn
}

func (t *tcpConn) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.WriteFrame(t.c, payload)
}

func (t *tcpConn) Close() error { return t.c.Close() }

func (t *tcpConn) RemoteAddr() string { return t.c.RemoteAddr().String() }

// wsConn sends each message as one websocket text frame; the websocket's own
// framing replaces the length header.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Close() error { return w.c.Close() }

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }
