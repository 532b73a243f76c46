package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	RegisterBackend("sealed", func() Backend { return &sealedBackend{} })
}

// sealedBackend mints self-contained tokens: a JSON claim set sealed with
// ChaCha20-Poly1305 under a shared cluster key, base64url on the wire.
// Config keys: "key" (required, any string; hashed to the cipher key size),
// "lifespanSec" (default 3600).
type sealedBackend struct {
	key      []byte
	lifespan time.Duration
}

type sealedClaims struct {
	TSID string `json:"tsid"`
	Iat  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

func (s *sealedBackend) Init(config map[string]any) error {
	secret, _ := config["key"].(string)
	if secret == "" {
		return fmt.Errorf("sealed auth: missing key")
	}
	sum := sha256.Sum256([]byte(secret))
	s.key = sum[:]

	s.lifespan = time.Hour
	if v, ok := config["lifespanSec"].(int); ok && v > 0 {
		s.lifespan = time.Duration(v) * time.Second
	}
	return nil
}

func (s *sealedBackend) Authenticate(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", &Error{Reason: "token is not base64url"}
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("building aead: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", &Error{Reason: "token too short"}
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &Error{Reason: "token seal rejected"}
	}

	var claims sealedClaims
	if err := json.Unmarshal(plain, &claims); err != nil {
		return "", &Error{Reason: "token claims malformed"}
	}
	if claims.TSID == "" {
		return "", &Error{Reason: "token has no player tsid"}
	}
	if time.Now().Unix() > claims.Exp {
		return "", &Error{Reason: "token expired"}
	}
	return claims.TSID, nil
}

func (s *sealedBackend) GetToken(playerTsid string) (string, error) {
	now := time.Now()
	plain, err := json.Marshal(sealedClaims{
		TSID: playerTsid,
		Iat:  now.Unix(),
		Exp:  now.Add(s.lifespan).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding claims: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("building aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *sealedBackend) TokenLifespan() time.Duration {
	return s.lifespan
}
