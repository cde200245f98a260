package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// SessionClaims is the payload bound inside an issued session token:
// which chunked-upload session it authorizes continued writes to, and
// until when.
type SessionClaims struct {
	SessionID string    `json:"sid"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// ErrSessionExpired is returned by Validate for a
// well-formed but expired token.
var ErrSessionExpired = errors.New("crypto: session token expired")

// SessionTokenCodec issues and validates opaque, encrypted session
// tokens. The signing key is derived from a process-wide secret via
// HKDF rather than used directly, so the same operator-supplied
// secret can safely back both session tokens and any future derived
// key without key reuse across purposes.
type SessionTokenCodec struct {
	aead cipher.AEAD
}

// NewSessionTokenCodec derives an AES-256-GCM key from secret using
// HKDF-SHA256 with a fixed info string scoping it to session tokens.
func NewSessionTokenCodec(secret []byte) (*SessionTokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: session secret must not be empty")
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte("audio-drm-gateway/session-token/v1"))
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: deriving session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building session cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: building session gcm: %w", err)
	}

	return &SessionTokenCodec{aead: gcm}, nil
}

// Issue encrypts claims into an opaque token string (base64 of
// nonce||ciphertext).
func (c *SessionTokenCodec) Issue(claims SessionClaims) (string, error) {
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("crypto: marshaling session claims: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating session nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Validate decrypts and authenticates token, returning its claims if
// the token is well-formed and unexpired.
func (c *SessionTokenCodec) Validate(token string) (*SessionClaims, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding session token: %w", err)
	}
	if len(raw) < nonceSize {
		return nil, errors.New("crypto: session token too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: session token authentication failed: %w", err)
	}

	var claims SessionClaims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return nil, fmt.Errorf("crypto: unmarshaling session claims: %w", err)
	}

	if time.Now().After(claims.ExpiresAt) {
		return &claims, ErrSessionExpired
	}

	return &claims, nil
}
