// Package auth defines the authentication back-end contract: token
// validation on login and token minting for reconnects and refreshes. Token
// cryptography itself is pluggable; the runtime only sees this interface.
package auth

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Error is an authentication failure: malformed token, bad signature or
// expiry. The session closes on it and never retries.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "auth: " + e.Reason
}

// Backend validates and mints session tokens.
type Backend interface {
	Init(config map[string]any) error
	// Authenticate returns the player TSID the token vouches for.
	Authenticate(token string) (string, error)
	// GetToken mints a token for the given player.
	GetToken(playerTsid string) (string, error)
	// TokenLifespan returns how long minted tokens stay valid.
	TokenLifespan() time.Duration
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]func() Backend{}
)

// RegisterBackend makes an auth back-end selectable by name.
func RegisterBackend(name string, mk func() Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = mk
}

// Open instantiates and initializes the named back-end.
func Open(name string, config map[string]any) (Backend, error) {
	backendsMu.RLock()
	mk, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown auth back-end %q (registered: %v)", name, backendNames())
	}
	b := mk()
	if err := b.Init(config); err != nil {
		return nil, fmt.Errorf("initializing auth back-end %q: %w", name, err)
	}
	return b, nil
}

func backendNames() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
