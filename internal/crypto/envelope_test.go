package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// memoryKeyManager is a trivial in-process KeyManager used only by
// tests: it "wraps" a DEK by storing it under an incrementing counter
// rather than calling out to a real KMS.
type memoryKeyManager struct {
	version int
	store   map[int][]byte
}

func newMemoryKeyManager() *memoryKeyManager {
	return &memoryKeyManager{version: 1, store: map[int][]byte{}}
}

func (m *memoryKeyManager) Provider() string { return "memory-test" }

func (m *memoryKeyManager) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	id := len(m.store) + 1
	m.store[id] = append([]byte(nil), plaintext...)
	return &KeyEnvelope{
		KeyID:      "k1",
		KeyVersion: m.version,
		Provider:   m.Provider(),
		Ciphertext: []byte{byte(id)},
	}, nil
}

func (m *memoryKeyManager) UnwrapKey(_ context.Context, env *KeyEnvelope, _ map[string]string) ([]byte, error) {
	id := int(env.Ciphertext[0])
	return m.store[id], nil
}

func (m *memoryKeyManager) ActiveKeyVersion(_ context.Context) (int, error) { return m.version, nil }
func (m *memoryKeyManager) HealthCheck(_ context.Context) error            { return nil }
func (m *memoryKeyManager) Close(_ context.Context) error                  { return nil }

func TestEnvelope_EncryptFileDecryptStream_RoundTrip(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	var ciphertext bytes.Buffer
	header, err := env.EncryptFile(context.Background(), &ciphertext, bytes.NewReader(plaintext))
	require.NoError(t, err)
	require.Len(t, header.IV, nonceSize)
	require.Empty(t, header.Tag, "Framing A keeps the tag with the ciphertext, not the row")

	// iv || ciphertext || tag
	require.Equal(t, len(plaintext)+nonceSize+tagSize, ciphertext.Len())

	r, err := env.DecryptStream(context.Background(), bytes.NewReader(ciphertext.Bytes()), header)
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestEnvelope_DecryptStream_RejectsTamperedCiphertext(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)
	plaintext := []byte("tamper detection check")

	var ciphertext bytes.Buffer
	header, err := env.EncryptFile(context.Background(), &ciphertext, bytes.NewReader(plaintext))
	require.NoError(t, err)

	for _, offset := range []int{nonceSize, ciphertext.Len() - 1} {
		corrupted := append([]byte(nil), ciphertext.Bytes()...)
		corrupted[offset] ^= 0x01

		r, err := env.DecryptStream(context.Background(), bytes.NewReader(corrupted), header)
		if err == nil {
			_, err = io.ReadAll(r)
			r.Close()
		}
		require.Error(t, err, "flipping byte %d must fail authentication", offset)
	}
}

func TestEnvelope_DecryptStream_ShortFile(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)
	header := &EnvelopeHeader{KeyID: "k1", KeyVersion: 1, WrappedKey: []byte{1}}

	_, err := env.DecryptStream(context.Background(), bytes.NewReader(make([]byte, 20)), header)
	require.Error(t, err, "a file shorter than iv+tag cannot be an envelope")
}

func TestEnvelope_EncryptDecryptSegment_RoundTrip(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)
	plaintext := []byte("a chapter's worth of cut audio container bytes")

	ciphertext, header, err := env.EncryptSegment(context.Background(), plaintext)
	require.NoError(t, err)
	require.Len(t, header.Tag, tagSize, "Framing B stores the tag in the row")
	require.Len(t, ciphertext, len(plaintext), "segment ciphertext is bare")

	out, err := env.DecryptSegment(context.Background(), ciphertext, header)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestEnvelope_DecryptSegment_RejectsTamperedTag(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)

	ciphertext, header, err := env.EncryptSegment(context.Background(), []byte("payload"))
	require.NoError(t, err)

	header.Tag[0] ^= 0x01
	_, err = env.DecryptSegment(context.Background(), ciphertext, header)
	require.Error(t, err)
}

func TestEnvelope_EncryptSegmentStreaming_RoundTrip(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)

	// Larger than one chunk, not a multiple of the chunk size, so the
	// last chunk is short.
	plaintext := make([]byte, 200*1024+37)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	var ciphertext bytes.Buffer
	header, err := env.EncryptSegmentStreaming(context.Background(), &ciphertext, bytes.NewReader(plaintext), DefaultChunkSize)
	require.NoError(t, err)
	require.NotEmpty(t, header.Manifest, "streaming segments carry a chunk manifest instead of a tag")

	manifest, err := decodeManifest(header.Manifest)
	require.NoError(t, err)
	require.Equal(t, DefaultChunkSize, manifest.ChunkSize)
	require.Equal(t, 4, manifest.ChunkCount)

	r, err := env.DecryptSegmentStreaming(context.Background(), bytes.NewReader(ciphertext.Bytes()), header)
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestEnvelope_DecryptSegmentStreaming_RejectsCorruptChunk(t *testing.T) {
	env := NewEnvelope(newMemoryKeyManager(), nil)

	plaintext := make([]byte, 3*DefaultChunkSize)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	var ciphertext bytes.Buffer
	header, err := env.EncryptSegmentStreaming(context.Background(), &ciphertext, bytes.NewReader(plaintext), DefaultChunkSize)
	require.NoError(t, err)

	corrupted := append([]byte(nil), ciphertext.Bytes()...)
	corrupted[DefaultChunkSize+tagSize+10] ^= 0x01 // inside the second chunk

	r, err := env.DecryptSegmentStreaming(context.Background(), bytes.NewReader(corrupted), header)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	require.Error(t, err)
}

func TestEnvelope_FreshKeyPerArtifact(t *testing.T) {
	keys := newMemoryKeyManager()
	env := NewEnvelope(keys, nil)

	var a, b bytes.Buffer
	ha, err := env.EncryptFile(context.Background(), &a, bytes.NewReader([]byte("same plaintext")))
	require.NoError(t, err)
	hb, err := env.EncryptFile(context.Background(), &b, bytes.NewReader([]byte("same plaintext")))
	require.NoError(t, err)

	require.NotEqual(t, ha.IV, hb.IV)
	require.NotEqual(t, keys.store[1], keys.store[2], "each artifact gets its own DEK")
	require.NotEqual(t, a.Bytes(), b.Bytes())
}
