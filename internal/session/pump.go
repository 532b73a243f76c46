package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/protocol"
	"github.com/warrengame/warren/internal/request"
)

// HandleFrame processes one decoded frame payload from the client. Malformed
// payloads close the session.
func (s *Session) HandleFrame(payload []byte) {
	m, err := protocol.ParseMsg(payload)
	if err != nil {
		slog.Warn("malformed client message", "session", s.id, "error", err)
		s.closeWithError("malformed message")
		return
	}
	s.dispatch(m)
}

// dispatch classifies one inbound message: pings answer inline, the login
// handshake runs on the pre-login queue, everything else needs an attached
// player and runs on that player's queue.
func (s *Session) dispatch(m protocol.Msg) {
	typ := m.Type()

	if typ == protocol.TypePing {
		_ = s.sendDirect(protocol.PingReply(m))
		return
	}

	if s.hub.mtr != nil {
		s.hub.mtr.RequestsTotal.WithLabelValues(typ).Inc()
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	if pc == nil {
		switch typ {
		case protocol.TypeLoginStart, protocol.TypeReloginStart:
			relogin := typ == protocol.TypeReloginStart
			q := s.hub.rq.Queue(request.PreLoginQueue)
			_, err := q.Push(s.nextTag(typ), func(rc *request.Context) (any, error) {
				return nil, s.handleLoginStart(rc, m, relogin)
			}, nil, request.Options{Session: s})
			if err != nil {
				s.closeWithError("server shutting down")
			}
		default:
			slog.Warn("message before login", "session", s.id, "type", typ)
			s.closeWithError("not authenticated")
		}
		return
	}

	q := s.hub.rq.QueueFor(pc)
	_, err := q.Push(s.nextTag(typ), func(rc *request.Context) (any, error) {
		return nil, s.handlePlayerMsg(rc, m)
	}, nil, request.Options{Session: s})
	if err != nil {
		s.closeWithError("server shutting down")
	}
}

// handleLoginStart authenticates the token and attaches the player. Runs on
// the pre-login queue.
func (s *Session) handleLoginStart(rc *request.Context, m protocol.Msg, relogin bool) error {
	token, _ := m["token"].(string)
	ptsid, err := s.hub.authb.Authenticate(token)
	if err != nil {
		slog.Warn("login rejected", "session", s.id, "error", err)
		s.closeWithError("authentication failed")
		return err
	}

	if !s.hub.cmap.IsLocal(ptsid) {
		// The client connected with stale connect info; its player moved to
		// another GS since the token was minted.
		slog.Warn("login for player owned elsewhere",
			"session", s.id, "pc", ptsid, "owner", s.hub.cmap.Owner(ptsid))
		s.closeWithError("wrong game server")
		return fmt.Errorf("player %s is owned by %s", ptsid, s.hub.cmap.Owner(ptsid))
	}

	// A second login for the same player takes the connection over.
	if old, ok := s.hub.SessionFor(ptsid); ok && old != s {
		slog.Info("player relogging in, closing previous session",
			"pc", ptsid, "old", old.id, "new", s.id)
		_ = old.sendDirect(protocol.ServerMessage(protocol.ActionClose,
			map[string]any{"msg": "logged in elsewhere"}))
		old.Destroy()
	}

	h, err := rc.GetNoProxy(ptsid)
	if err != nil {
		s.closeWithError("player not found")
		return fmt.Errorf("loading player %s: %w", ptsid, err)
	}
	pc, ok := h.(*model.Object)
	if !ok {
		s.closeWithError("player not found")
		return fmt.Errorf("player %s did not resolve to a local object", ptsid)
	}

	s.mu.Lock()
	s.pc = pc
	s.pcTsid = ptsid
	s.relogin = relogin
	s.state = StateAuthenticating
	s.mu.Unlock()
	s.hub.attach(s, ptsid)

	hook := "onLoginStart"
	if relogin {
		hook = "onReloginStart"
	}
	if _, err := pc.Call(rc, hook, []any{m}); err != nil && !isUnknownMethod(err) {
		return fmt.Errorf("%s hook: %w", hook, err)
	}

	s.startTokenRefresh()
	return s.Send(protocol.Ack(m))
}

// handlePlayerMsg runs one post-attach message on the player's queue.
func (s *Session) handlePlayerMsg(rc *request.Context, m protocol.Msg) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("player detached while request was queued")
	}

	switch typ := m.Type(); typ {
	case protocol.TypeLoginEnd, protocol.TypeReloginEnd:
		return s.handleLoginEnd(rc, pc, m, typ == protocol.TypeReloginEnd)
	case protocol.TypeLogout:
		return s.handleLogout(rc, pc, m)
	default:
		if _, err := pc.Call(rc, typ, []any{m}); err != nil {
			if !isUnknownMethod(err) {
				return err
			}
			slog.Warn("unhandled message type", "session", s.id, "type", typ)
		}
		if protocol.IsMoveEnd(typ) {
			return s.afterMove(rc, pc)
		}
		return nil
	}
}

// handleLoginEnd finishes the handshake: lifecycle hooks, location entry,
// then the acknowledgement that flips the session to logged-in and flushes
// the pre-login buffer.
func (s *Session) handleLoginEnd(rc *request.Context, pc *model.Object, m protocol.Msg, relogin bool) error {
	if pb, ok := model.BehaviorFor(pc.Class()).(model.PlayerBehavior); ok {
		hook := pb.OnLogin
		if relogin {
			hook = pb.OnRelogin
		}
		if err := hook(rc, pc); err != nil {
			return fmt.Errorf("login hook: %w", err)
		}
	}

	if err := s.enterLocation(rc, pc); err != nil {
		return err
	}
	rc.SetDirty(pc)

	slog.Info("player logged in", "session", s.id, "pc", pc.TSID(), "relogin", relogin)
	if err := s.Send(protocol.Ack(m)); err != nil {
		return err
	}
	s.replayMsgCache(rc, pc)
	return nil
}

// replayMsgCache delivers the messages a previous GS stashed on the player
// record during a hand-off, then clears the stash.
func (s *Session) replayMsgCache(rc *request.Context, pc *model.Object) {
	v, ok := pc.Prop(model.PropMsgCache)
	if !ok {
		return
	}
	msgs, _ := v.([]any)
	for _, e := range msgs {
		if m, ok := e.(map[string]any); ok {
			_ = s.Send(protocol.Msg(m))
		}
	}
	pc.DelProp(rc, model.PropMsgCache)
}

// handleLogout is the orderly logout: hooks, departure broadcast, player
// unload, then socket teardown once everything persisted.
func (s *Session) handleLogout(rc *request.Context, pc *model.Object, m protocol.Msg) error {
	if err := s.Send(protocol.Ack(m)); err != nil {
		slog.Debug("logout ack failed", "session", s.id, "error", err)
	}
	if err := s.teardownPlayer(rc, pc); err != nil {
		return err
	}
	rc.PostPersCallback = s.Destroy
	return nil
}

// teardownPlayer runs the departure sequence shared by logout and dropped
// sockets: disconnect hook, exit hook, pc_logout broadcast, player unload.
func (s *Session) teardownPlayer(rc *request.Context, pc *model.Object) error {
	if pb, ok := model.BehaviorFor(pc.Class()).(model.PlayerBehavior); ok {
		if err := pb.OnDisconnect(rc, pc); err != nil {
			slog.Error("disconnect hook failed", "session", s.id, "pc", pc.TSID(), "error", err)
		}
	}

	if locTsid := locationOf(pc); locTsid != "" {
		if h, err := rc.Get(locTsid); err == nil {
			if loc, ok := h.(*model.Object); ok {
				if lb, ok := model.BehaviorFor(loc.Class()).(model.LocationBehavior); ok {
					if err := lb.OnPlayerExit(rc, loc, pc); err != nil {
						slog.Error("player exit hook failed", "loc", locTsid, "pc", pc.TSID(), "error", err)
					}
				}
			}
		}
		label, _ := pc.Prop(model.PropLabel)
		name, _ := label.(string)
		s.hub.BroadcastToLocation(locTsid, protocol.PCLogout(pc.TSID(), name), s.id)
	}

	rc.SetUnload(pc)
	s.mu.Lock()
	s.pc = nil
	s.mu.Unlock()
	return nil
}

// afterMove runs the location-entry housekeeping after a move-end request:
// either the new location lives on another GS and the player is handed off,
// or the location's entry hook runs here.
func (s *Session) afterMove(rc *request.Context, pc *model.Object) error {
	moved, err := s.GSMoveCheck(rc, pc)
	if err != nil || moved {
		return err
	}
	if err := s.enterLocation(rc, pc); err != nil {
		return err
	}
	rc.SetDirty(pc)
	return nil
}

func (s *Session) enterLocation(rc *request.Context, pc *model.Object) error {
	locTsid := locationOf(pc)
	if locTsid == "" {
		return nil
	}
	h, err := rc.Get(locTsid)
	if err != nil {
		return fmt.Errorf("loading location %s: %w", locTsid, err)
	}
	loc, ok := h.(*model.Object)
	if !ok {
		return nil // remote location; entry hooks ran where it lives
	}
	if lb, ok := model.BehaviorFor(loc.Class()).(model.LocationBehavior); ok {
		if err := lb.OnPlayerEnter(rc, loc, pc); err != nil {
			return fmt.Errorf("player enter hook: %w", err)
		}
	}
	rc.SetDirty(loc)
	return nil
}

// closeWithError tells the client why and drops the connection.
func (s *Session) closeWithError(reason string) {
	_ = s.sendDirect(protocol.ServerMessage(protocol.ActionClose, map[string]any{"msg": reason}))
	s.socketClosed()
}

// socketClosed is the common exit path for dead or rejected connections:
// destroy the transport and, when a player is attached, run its teardown on
// the player's queue.
func (s *Session) socketClosed() {
	s.mu.Lock()
	pc := s.pc
	moving := s.isMovingGs
	s.mu.Unlock()

	s.Destroy()

	// During a GS move the hand-off entry owns the teardown.
	if pc == nil || moving {
		return
	}
	q := s.hub.rq.QueueFor(pc)
	_, err := q.Push(s.nextTag("disconnect"), func(rc *request.Context) (any, error) {
		return nil, s.teardownPlayer(rc, pc)
	}, nil, request.Options{})
	if err != nil {
		slog.Warn("disconnect teardown rejected", "session", s.id, "pc", pc.TSID(), "error", err)
	}
}

func isUnknownMethod(err error) bool {
	var unk *model.ErrUnknownMethod
	return errors.As(err, &unk)
}
