package session

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/protocol"
)

// State is the session's position in the login lifecycle.
type State int

const (
	StateNew State = iota
	StateAuthenticating
	StateLoggedIn
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateLoggedIn:
		return "LOGGED_IN"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// preLoginSendable lists the message types that may go to the client before
// the login_end acknowledgement: handshake replies and pings only. Everything
// else waits in the pre-login buffer and flushes, in order, right after that
// acknowledgement. CLOSE and hand-off notices skip Send via sendDirect.
var preLoginSendable = map[string]bool{
	protocol.TypePing:         true,
	protocol.TypeLoginStart:   true,
	protocol.TypeLoginEnd:     true,
	protocol.TypeReloginStart: true,
	protocol.TypeReloginEnd:   true,
}

// Session is one client connection: its transport, login state and, once
// authenticated, the attached player.
type Session struct {
	id  string
	hub *Hub
	ts  time.Time

	seq atomic.Uint64 // request tag counter

	mu             sync.Mutex
	conn           Conn
	state          State
	pc             *model.Object
	pcTsid         string
	relogin        bool
	loggedIn       bool
	isMovingGs     bool
	preLoginBuffer []protocol.Msg
	msgCache       []protocol.Msg
	destroyed      bool
	tokenTimer     clockwork.Timer
}

func newSession(h *Hub, conn Conn) *Session {
	s := &Session{
		id:   uuid.NewString(),
		hub:  h,
		ts:   h.clock.Now(),
		conn: conn,
	}
	h.add(s)
	slog.Info("session opened", "session", s.id, "addr", conn.RemoteAddr())
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// PlayerTSID returns the attached player's TSID, or "".
func (s *Session) PlayerTSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcTsid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) stateIs(states ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if s.state == st {
			return true
		}
	}
	return false
}

func (s *Session) locationTSID() string {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ""
	}
	return locationOf(pc)
}

func (s *Session) nextTag(typ string) string {
	return "req:" + typ + ":" + s.id[:8] + ":" + strconv.FormatUint(s.seq.Add(1), 10)
}

// Send delivers one message to the client, subject to the outbound rules:
// during a GS hand-off everything is cached for the next session; before the
// login_end acknowledgement only handshake traffic goes out directly and the
// rest is buffered. Sending the login_end (or relogin_end) acknowledgement
// flips the session to logged-in and flushes the buffer.
func (s *Session) Send(msg map[string]any) error {
	m := protocol.Msg(msg)

	s.mu.Lock()
	switch {
	case s.isMovingGs:
		s.msgCache = append(s.msgCache, m)
		s.mu.Unlock()
		return nil
	case s.conn == nil:
		s.mu.Unlock()
		slog.Debug("dropping message for closed session", "session", s.id, "type", m.Type())
		return nil
	case !s.loggedIn && !preLoginSendable[m.Type()]:
		s.preLoginBuffer = append(s.preLoginBuffer, m)
		s.mu.Unlock()
		return nil
	}

	conn := s.conn
	var buffered []protocol.Msg
	typ := m.Type()
	if !s.loggedIn && (typ == protocol.TypeLoginEnd || typ == protocol.TypeReloginEnd) {
		s.loggedIn = true
		s.state = StateLoggedIn
		buffered = s.preLoginBuffer
		s.preLoginBuffer = nil
	}
	s.mu.Unlock()

	if err := s.write(conn, m); err != nil {
		return err
	}
	for _, b := range buffered {
		if err := s.write(conn, b); err != nil {
			return err
		}
	}
	return nil
}

// sendDirect bypasses the buffering rules; the hand-off CLOSE must reach the
// client even while the session is caching for the move.
func (s *Session) sendDirect(m protocol.Msg) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.write(conn, m)
}

func (s *Session) write(conn Conn, m protocol.Msg) error {
	payload, err := m.Encode()
	if err != nil {
		slog.Error("dropping unencodable message", "session", s.id, "type", m.Type(), "error", err)
		return nil
	}
	return conn.Send(payload)
}

// DrainMsgCache hands the messages cached during a GS move to the caller and
// clears the cache. The new session on the target GS replays them.
func (s *Session) DrainMsgCache() []protocol.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := s.msgCache
	s.msgCache = nil
	return cached
}

// startTokenRefresh arms the periodic token renewal: at 90% of the token's
// lifespan a fresh token goes to the client in a server_message, and the
// timer rearms.
func (s *Session) startTokenRefresh() {
	lifespan := s.hub.authb.TokenLifespan()
	if lifespan <= 0 {
		return
	}
	delay := lifespan * 9 / 10
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.tokenTimer = s.hub.clock.AfterFunc(delay, s.refreshToken)
	s.mu.Unlock()
}

func (s *Session) refreshToken() {
	s.mu.Lock()
	ptsid := s.pcTsid
	gone := s.destroyed
	s.mu.Unlock()
	if gone || ptsid == "" {
		return
	}
	token, err := s.hub.authb.GetToken(ptsid)
	if err != nil {
		slog.Error("minting refresh token", "session", s.id, "pc", ptsid, "error", err)
	} else {
		_ = s.Send(protocol.ServerMessage(protocol.ActionToken, map[string]any{"token": token}))
	}
	s.startTokenRefresh()
}

// Destroy tears the transport down and deregisters the session. Idempotent.
// Player-side teardown (disconnect hooks, unload) runs separately on the
// player's queue; Destroy only kills the socket.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.state = StateDisconnected
	conn := s.conn
	s.conn = nil
	timer := s.tokenTimer
	s.tokenTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.hub.remove(s)
	slog.Info("session closed", "session", s.id)
}
