// Package session implements the client-facing runtime: the framed message
// pump, the per-session login state machine, outbound buffering rules and
// the inter-GS player hand-off.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/warrengame/warren/internal/auth"
	"github.com/warrengame/warren/internal/cluster"
	"github.com/warrengame/warren/internal/metrics"
	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/pers"
	"github.com/warrengame/warren/internal/protocol"
	"github.com/warrengame/warren/internal/request"
)

// Hub owns every open session and the runtime collaborators they need.
type Hub struct {
	cmap  *cluster.Map
	pc    *pers.Cache
	rq    *request.Manager
	authb auth.Backend
	mtr   *metrics.Metrics
	clock clockwork.Clock

	maxMsgSize int

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byPlayer map[string]*Session // by attached player TSID
}

// HubConfig wires a Hub.
type HubConfig struct {
	Cluster    *cluster.Map
	Pers       *pers.Cache
	Queues     *request.Manager
	Auth       auth.Backend
	Metrics    *metrics.Metrics
	Clock      clockwork.Clock
	MaxMsgSize int
}

// NewHub builds the session hub.
func NewHub(cfg HubConfig) *Hub {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		cmap:       cfg.Cluster,
		pc:         cfg.Pers,
		rq:         cfg.Queues,
		authb:      cfg.Auth,
		mtr:        cfg.Metrics,
		clock:      clock,
		maxMsgSize: cfg.MaxMsgSize,
		sessions:   make(map[string]*Session),
		byPlayer:   make(map[string]*Session),
	}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.mtr != nil {
		h.mtr.SessionsOpenedTotal.Inc()
		h.mtr.SessionsActive.Set(float64(h.count()))
	}
}

func (h *Hub) remove(s *Session) {
	ptsid := s.PlayerTSID()
	h.mu.Lock()
	delete(h.sessions, s.id)
	if ptsid != "" && h.byPlayer[ptsid] == s {
		delete(h.byPlayer, ptsid)
	}
	h.mu.Unlock()
	if h.mtr != nil {
		h.mtr.SessionsActive.Set(float64(h.count()))
	}
}

func (h *Hub) attach(s *Session, playerTsid string) {
	h.mu.Lock()
	h.byPlayer[playerTsid] = s
	h.mu.Unlock()
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SessionFor returns the session a player is attached to, if any.
func (h *Hub) SessionFor(playerTsid string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byPlayer[playerTsid]
	return s, ok
}

// BroadcastToLocation sends msg to every attached player whose current
// location is locTsid, except the named session.
func (h *Hub) BroadcastToLocation(locTsid string, msg protocol.Msg, exceptSessionID string) {
	h.mu.Lock()
	var targets []*Session
	for _, s := range h.byPlayer {
		if s.id == exceptSessionID {
			continue
		}
		if s.locationTSID() == locTsid {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()
	for _, s := range targets {
		_ = s.Send(msg)
	}
}

// CloseStaleAuthenticating destroys sessions that opened more than maxAge
// ago and never made it past the login handshake. The cron sweep drives it.
func (h *Hub) CloseStaleAuthenticating(maxAge time.Duration) int {
	cutoff := h.clock.Now().Add(-maxAge)
	h.mu.Lock()
	var stale []*Session
	for _, s := range h.sessions {
		if s.stateIs(StateNew, StateAuthenticating) && s.ts.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()
	for _, s := range stale {
		slog.Warn("closing session stuck in login handshake",
			"session", s.id, "opened", s.ts)
		s.Destroy()
	}
	return len(stale)
}

// CloseAll destroys every open session; part of server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Destroy()
	}
}

func locationOf(pc *model.Object) string {
	if v, ok := pc.Prop(model.PropLocation); ok {
		if ref, ok := v.(*model.Ref); ok {
			return ref.TSID
		}
	}
	return ""
}
