package auth

import (
	"strings"
	"time"

	"github.com/warrengame/warren/internal/tsid"
)

func init() {
	RegisterBackend("trivial", func() Backend { return &trivialBackend{} })
}

// trivialBackend accepts the player TSID itself as the token. Development
// and tests only.
type trivialBackend struct{}

func (t *trivialBackend) Init(config map[string]any) error { return nil }

func (t *trivialBackend) Authenticate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if !tsid.Valid(token) || tsid.Kind(token) != tsid.KindPlayer {
		return "", &Error{Reason: "token is not a player tsid"}
	}
	return token, nil
}

func (t *trivialBackend) GetToken(playerTsid string) (string, error) {
	return playerTsid, nil
}

func (t *trivialBackend) TokenLifespan() time.Duration {
	return time.Hour
}
