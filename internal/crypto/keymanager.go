package crypto

import "context"

// KeyManager wraps and unwraps the per-artifact data encryption keys
// the envelope generates for each master and chapter. Wrapping happens
// wherever the implementation keeps its secret: in-process for
// LocalKeyManager, inside a KMIP server for the Cosmian manager. A
// plaintext wrapping key never crosses this interface in either
// direction.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "local",
	// "cosmian-kmip") recorded on every envelope for diagnostics.
	Provider() string

	// WrapKey encrypts a freshly generated DEK and returns the
	// envelope the catalog row persists alongside the artifact.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey recovers the plaintext DEK from a stored envelope.
	// Implementations honor the envelope's KeyVersion, so artifacts
	// wrapped before a rotation keep decrypting.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version of the wrapping key new
	// artifacts are sealed under.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the backing key store is reachable without
	// performing a real wrap or unwrap; the readiness probe calls it
	// on every poll.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying connections.
	Close(ctx context.Context) error
}

// KeyEnvelope is everything needed to recover a DEK later: which
// wrapping key (and version) sealed it, and the sealed bytes.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}
