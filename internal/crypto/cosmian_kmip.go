package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, along with
// the version this gateway should record against envelopes it produces.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a KMIP-backed KeyManager talking to a Cosmian
// KMS (or any server implementing the same operations: Encrypt, Decrypt, Get).
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string

	// DualReadWindow is how many prior key versions (in addition to the
	// active one) UnwrapKey will try when an envelope doesn't carry an
	// explicit KeyID, so objects wrapped under a just-rotated key can
	// still be read while the rotation propagates.
	DualReadWindow int
}

// cosmianKMIPManager implements KeyManager against a KMIP server.
type cosmianKMIPManager struct {
	client   *kmipclient.Client
	provider string
	timeout  time.Duration

	mu       sync.RWMutex
	keys     []KMIPKeyReference // ordered oldest to newest; last is active
	byID     map[string]KMIPKeyReference
	dualRead int
}

// NewCosmianKMIPManager dials a KMIP server and returns a KeyManager that
// wraps and unwraps DEKs using the configured set of symmetric keys.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (KeyManager, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("crypto: kmip endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("crypto: at least one kmip key reference is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}

	client, err := kmipclient.Dial(opts.Endpoint, kmipclient.WithTlsConfig(opts.TLSConfig))
	if err != nil {
		return nil, fmt.Errorf("crypto: dialing kmip server %s: %w", opts.Endpoint, err)
	}

	byID := make(map[string]KMIPKeyReference, len(opts.Keys))
	for _, k := range opts.Keys {
		byID[k.ID] = k
	}

	return &cosmianKMIPManager{
		client:   client,
		provider: opts.Provider,
		timeout:  opts.Timeout,
		keys:     append([]KMIPKeyReference(nil), opts.Keys...),
		byID:     byID,
		dualRead: opts.DualReadWindow,
	}, nil
}

func (m *cosmianKMIPManager) Provider() string { return m.provider }

func (m *cosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[len(m.keys)-1]
}

func (m *cosmianKMIPManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *cosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	active := m.activeKey()

	resp, err := m.client.Encrypt(active.ID).Data(plaintext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("crypto: kmip encrypt with key %s: %w", active.ID, err)
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

func (m *cosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("crypto: nil key envelope")
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if envelope.KeyID != "" {
		return m.decryptWith(ctx, envelope.KeyID, envelope.Ciphertext)
	}

	// No explicit key ID: fall back to trying the active key plus the
	// DualReadWindow most recent prior versions, newest first.
	candidates := m.candidatesForVersion(envelope.KeyVersion)
	var lastErr error
	for _, ref := range candidates {
		plaintext, err := m.decryptWith(ctx, ref.ID, envelope.Ciphertext)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("crypto: no kmip key reference available for version %d", envelope.KeyVersion)
	}
	return nil, lastErr
}

func (m *cosmianKMIPManager) decryptWith(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := m.client.Decrypt(keyID).Data(ciphertext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("crypto: kmip decrypt with key %s: %w", keyID, err)
	}
	return resp.Data, nil
}

// candidatesForVersion returns key references to try for an envelope that
// didn't record an explicit KeyID, preferring the version it recorded (if
// known) before falling back through the dual-read window.
func (m *cosmianKMIPManager) candidatesForVersion(version int) []KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := make([]KMIPKeyReference, 0, len(m.keys))
	for i := len(m.keys) - 1; i >= 0; i-- {
		ordered = append(ordered, m.keys[i])
	}

	// Move the reference matching the recorded version to the front, if any.
	for i, ref := range ordered {
		if ref.Version == version {
			ordered[0], ordered[i] = ordered[i], ordered[0]
			break
		}
	}

	if m.dualRead > 0 && len(ordered) > m.dualRead+1 {
		ordered = ordered[:m.dualRead+1]
	}
	return ordered
}

func (m *cosmianKMIPManager) ActiveKeyVersion(_ context.Context) (int, error) {
	return m.activeKey().Version, nil
}

func (m *cosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	active := m.activeKey()
	_, err := m.client.Get(active.ID).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("crypto: kmip health check: %w", err)
	}
	return nil
}

func (m *cosmianKMIPManager) Close(_ context.Context) error {
	return m.client.Close()
}
