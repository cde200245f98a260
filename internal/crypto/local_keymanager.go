package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// LocalKeyManager wraps per-artifact DEKs with a single AES-256-GCM
// key derived from an operator-supplied secret, for deployments that
// have not stood up a KMIP server (or Cosmian KMS) yet. It satisfies
// the same KeyManager contract as cosmianKMIPManager, so the rest of
// the gateway never branches on which is configured: swapping one for
// the other is a matter of which constructor main.go calls.
type LocalKeyManager struct {
	aead    cipher.AEAD
	version int
}

// NewLocalKeyManager derives a wrapping key from secret via
// HKDF-SHA256, scoped to this purpose so the same operator secret can
// also back session tokens without key reuse across roles.
func NewLocalKeyManager(secret []byte, version int) (*LocalKeyManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("crypto: local key manager secret must not be empty")
	}
	if version <= 0 {
		version = 1
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte("audio-drm-gateway/local-key-manager/v1"))
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: deriving local wrapping key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building local wrapping cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: building local wrapping gcm: %w", err)
	}

	return &LocalKeyManager{aead: gcm, version: version}, nil
}

func (m *LocalKeyManager) Provider() string { return "local" }

// WrapKey seals plaintext (the per-artifact DEK) under the wrapping
// key, prefixing the nonce so UnwrapKey never needs a side table.
func (m *LocalKeyManager) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating wrap nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, plaintext, nil)
	return &KeyEnvelope{
		KeyID:      "local",
		KeyVersion: m.version,
		Provider:   m.Provider(),
		Ciphertext: sealed,
	}, nil
}

func (m *LocalKeyManager) UnwrapKey(_ context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	if len(envelope.Ciphertext) < nonceSize {
		return nil, fmt.Errorf("crypto: wrapped dek too short")
	}
	nonce, sealed := envelope.Ciphertext[:nonceSize], envelope.Ciphertext[nonceSize:]
	plaintext, err := m.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping local dek: %w", err)
	}
	return plaintext, nil
}

func (m *LocalKeyManager) ActiveKeyVersion(_ context.Context) (int, error) {
	return m.version, nil
}

func (m *LocalKeyManager) HealthCheck(_ context.Context) error { return nil }

func (m *LocalKeyManager) Close(_ context.Context) error { return nil }

var _ KeyManager = (*LocalKeyManager)(nil)
