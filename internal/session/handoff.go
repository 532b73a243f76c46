package session

import (
	"fmt"
	"log/slog"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/protocol"
	"github.com/warrengame/warren/internal/request"
)

// GSMoveCheck decides whether the player's current location is owned by
// another GS and, if so, starts the hand-off: the client gets the target's
// connect info and a fresh token, outbound traffic switches to the message
// cache, and an unload entry queued behind the current request writes the
// player out before the final CLOSE. Returns true when a hand-off started.
func (s *Session) GSMoveCheck(rc *request.Context, pc *model.Object) (bool, error) {
	locTsid := locationOf(pc)
	if locTsid == "" || s.hub.cmap.IsLocal(locTsid) {
		return false, nil
	}

	owner := s.hub.cmap.Owner(locTsid)
	conf, ok := s.hub.cmap.GSConf(owner)
	if !ok {
		return false, fmt.Errorf("location %s owned by unknown gs %q", locTsid, owner)
	}
	token, err := s.hub.authb.GetToken(pc.TSID())
	if err != nil {
		return false, fmt.Errorf("minting hand-off token: %w", err)
	}

	slog.Info("handing player off", "session", s.id, "pc", pc.TSID(),
		"loc", locTsid, "target", owner)

	if err := s.sendDirect(protocol.ServerMessage(protocol.ActionPrepareToReconnect, map[string]any{
		"hostport": conf.HostPort,
		"token":    token,
	})); err != nil {
		return false, fmt.Errorf("sending reconnect info: %w", err)
	}

	s.mu.Lock()
	s.isMovingGs = true
	s.mu.Unlock()

	// The unload runs as its own entry behind the current request, so the
	// move-end handler's writes settle first. WaitPers keeps the final CLOSE
	// behind the player's write-out; the target GS must never read a stale
	// record.
	_, err = rc.RQ().Push("gsmove:"+pc.TSID(), func(rc2 *request.Context) (any, error) {
		return nil, s.finishMove(rc2, pc)
	}, func(err error, _ any) {
		if err != nil {
			slog.Error("gs move unload failed", "session", s.id, "pc", pc.TSID(), "error", err)
		}
	}, request.Options{WaitPers: true})
	if err != nil {
		return false, fmt.Errorf("queueing hand-off unload: %w", err)
	}
	return true, nil
}

func (s *Session) finishMove(rc *request.Context, pc *model.Object) error {
	// Messages cached since the reconnect info went out travel with the
	// player record; the target GS replays them after the relogin handshake.
	if cached := s.DrainMsgCache(); len(cached) > 0 {
		msgs := make([]any, len(cached))
		for i, m := range cached {
			msgs[i] = map[string]any(m)
		}
		if err := pc.SetProp(rc, model.PropMsgCache, msgs); err != nil {
			return fmt.Errorf("stashing cached messages: %w", err)
		}
	}

	rc.SetUnload(pc)
	s.mu.Lock()
	s.pc = nil
	s.mu.Unlock()

	rc.PostPersCallback = func() {
		_ = s.sendDirect(protocol.ServerMessage(protocol.ActionClose, map[string]any{
			"msg": protocol.CloseConnectToAnotherServer,
		}))
		s.Destroy()
	}
	return nil
}
