package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// tagSize is the GCM authentication tag size in bytes.
const tagSize = 16

// nonceSize is the GCM standard nonce size in bytes.
const nonceSize = 12

// dekSize is the size of a per-artifact data encryption key (AES-256).
const dekSize = 32

// EnvelopeHeader carries everything a caller needs to persist against
// the owning catalog row, and everything UnwrapKey needs to recover
// the DEK later. Which fields are populated depends on the operation:
// EncryptFile leaves Tag and Manifest empty because the tag travels
// with the ciphertext on disk (Framing A); the segment operations
// populate Tag (or Manifest, for the chunked streaming variant)
// because their ciphertext is bare and the row carries everything
// needed to authenticate it (Framing B).
type EnvelopeHeader struct {
	KeyID      string
	KeyVersion int
	WrappedKey []byte // ciphertext from KeyManager.WrapKey
	IV         []byte
	Tag        []byte // populated by EncryptSegment; EncryptSegmentStreaming sets Manifest instead
	Manifest   string // populated by EncryptSegmentStreaming's chunked path; base64 JSON ChunkManifest
}

// Envelope implements the gateway's encrypt-at-rest format: each
// artifact gets its own randomly generated DEK, wrapped by a
// KeyManager, with AES-256-GCM protecting the body. Masters use
// Framing A (`iv || ciphertext || tag`, self-contained on disk);
// chapters use Framing B (bare ciphertext on disk, key material in
// the row) so a byte range can be re-authenticated without touching
// anything outside the row that names it.
type Envelope struct {
	keys       KeyManager
	bufferPool *BufferPool
}

// NewEnvelope builds an Envelope backed by the given KeyManager. A nil
// bufferPool falls back to GetGlobalBufferPool().
func NewEnvelope(keys KeyManager, bufferPool *BufferPool) *Envelope {
	if bufferPool == nil {
		bufferPool = GetGlobalBufferPool()
	}
	return &Envelope{keys: keys, bufferPool: bufferPool}
}

// EncryptFile reads the entirety of plaintext from src, generates a
// fresh DEK, and writes `iv || ciphertext || tag` to dst (Framing A).
// This is the master-recording operation: the file is self-describing
// on disk, and the row only needs the wrapped key to recover it.
func (e *Envelope) EncryptFile(ctx context.Context, dst io.Writer, src io.Reader) (*EnvelopeHeader, error) {
	plaintext, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading plaintext: %w", err)
	}

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("crypto: generating dek: %w", err)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	envelope, err := e.keys.WrapKey(ctx, dek, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrapping dek: %w", err)
	}

	if _, err := dst.Write(iv); err != nil {
		return nil, fmt.Errorf("crypto: writing iv: %w", err)
	}

	// Seal appends the tag to the returned ciphertext, so this single
	// write already produces the `ciphertext || tag` suffix Framing A
	// requires.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	if _, err := dst.Write(sealed); err != nil {
		return nil, fmt.Errorf("crypto: writing ciphertext: %w", err)
	}

	return &EnvelopeHeader{
		KeyID:      envelope.KeyID,
		KeyVersion: envelope.KeyVersion,
		WrappedKey: envelope.Ciphertext,
		IV:         iv,
	}, nil
}

// DecryptStream reads the iv from the first 12 bytes of src, unwraps
// the DEK named by header, and returns a reader yielding the
// plaintext body of a Framing A artifact. GCM needs the tag before it
// will release any plaintext, so the whole ciphertext is read and
// authenticated eagerly; only the result is streamed back to callers.
func (e *Envelope) DecryptStream(ctx context.Context, src io.Reader, header *EnvelopeHeader) (io.ReadCloser, error) {
	dek, err := e.unwrapDEK(ctx, header)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("crypto: reading iv: %w", err)
	}

	r, err := newDecryptReader(src, gcm, iv)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

// EncryptSegment encrypts plaintext held fully in memory and returns
// the bare ciphertext (no iv, no tag) alongside the header carrying
// (key, iv, tag) for the caller to persist in the row (Framing B).
func (e *Envelope) EncryptSegment(ctx context.Context, plaintext []byte) ([]byte, *EnvelopeHeader, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating dek: %w", err)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, nil, err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	envelope, err := e.keys.WrapKey(ctx, dek, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: wrapping dek: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return ciphertext, &EnvelopeHeader{
		KeyID:      envelope.KeyID,
		KeyVersion: envelope.KeyVersion,
		WrappedKey: envelope.Ciphertext,
		IV:         iv,
		Tag:        tag,
	}, nil
}

// DecryptSegment authenticates and decrypts a bare Framing B
// ciphertext using the (key, iv, tag) carried in header.
func (e *Envelope) DecryptSegment(ctx context.Context, ciphertext []byte, header *EnvelopeHeader) ([]byte, error) {
	dek, err := e.unwrapDEK(ctx, header)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	combined := make([]byte, 0, len(ciphertext)+len(header.Tag))
	combined = append(combined, ciphertext...)
	combined = append(combined, header.Tag...)

	plaintext, err := gcm.Open(nil, header.IV, combined, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypting segment: %w", err)
	}
	return plaintext, nil
}

// EncryptSegmentStreaming encrypts src as a sequence of independently
// authenticated chunks written to dst. Memory use is bounded by a fixed
// number of chunkSize-byte chunks, not by the segment length: the
// sealing pipeline keeps up to twice runtime.NumCPU() chunks in flight,
// so more than one chunk of plaintext can be held at once. It is the
// variant the Chapter Materializer uses, since a chapter segment can
// exceed the amount of memory this process can afford to buffer. The
// chunk manifest (base IV plus chunk size) is returned via
// header.Manifest instead of a single 16-byte tag: Go's GCM has no
// incremental single-tag construction, so this chunked AEAD scheme
// (authenticating each chunk on its own, the way the per-object
// manifest format already worked) is what keeps memory bounded for
// arbitrarily large chapters. The row persists the
// manifest in place of a literal tag for this one Framing B variant.
func (e *Envelope) EncryptSegmentStreaming(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int) (*EnvelopeHeader, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("crypto: generating dek: %w", err)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	baseIV := make([]byte, nonceSize)
	if _, err := rand.Read(baseIV); err != nil {
		return nil, fmt.Errorf("crypto: generating base iv: %w", err)
	}

	envelope, err := e.keys.WrapKey(ctx, dek, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrapping dek: %w", err)
	}

	reader, manifest := newChunkedEncryptReaderWithContext(ctx, src, gcm, baseIV, chunkSize, e.bufferPool)

	if _, err := io.Copy(dst, reader); err != nil {
		return nil, fmt.Errorf("crypto: streaming ciphertext: %w", err)
	}

	manifestBlob, err := encodeManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding chunk manifest: %w", err)
	}

	return &EnvelopeHeader{
		KeyID:      envelope.KeyID,
		KeyVersion: envelope.KeyVersion,
		WrappedKey: envelope.Ciphertext,
		IV:         baseIV,
		Manifest:   manifestBlob,
	}, nil
}

// DecryptSegmentStreaming is the counterpart to EncryptSegmentStreaming:
// it decodes the chunk manifest from header.Manifest, unwraps the DEK,
// and returns a reader that decrypts src chunk-by-chunk.
func (e *Envelope) DecryptSegmentStreaming(ctx context.Context, src io.Reader, header *EnvelopeHeader) (io.ReadCloser, error) {
	dek, err := e.unwrapDEK(ctx, header)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	manifest, err := decodeManifest(header.Manifest)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding chunk manifest: %w", err)
	}

	r, err := newChunkedDecryptReaderWithContext(ctx, src, gcm, manifest, e.bufferPool)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ActiveKeyVersion exposes the key manager's active wrapping-key
// version, so callers can notice artifacts still sealed under a
// rotated-out version.
func (e *Envelope) ActiveKeyVersion(ctx context.Context) (int, error) {
	return e.keys.ActiveKeyVersion(ctx)
}

func (e *Envelope) unwrapDEK(ctx context.Context, header *EnvelopeHeader) ([]byte, error) {
	dek, err := e.keys.UnwrapKey(ctx, &KeyEnvelope{
		KeyID:      header.KeyID,
		KeyVersion: header.KeyVersion,
		Provider:   e.keys.Provider(),
		Ciphertext: header.WrappedKey,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping dek: %w", err)
	}
	return dek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: building gcm: %w", err)
	}
	return gcm, nil
}

// ErrShortHeader is returned when a Framing A stream has fewer than
// the 16 tag bytes left after its iv.
var ErrShortHeader = errors.New("crypto: truncated envelope header")
