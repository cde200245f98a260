package crypto

import (
	"bytes"
	"crypto/cipher"
	"fmt"
	"io"
)

// decryptReader yields the plaintext body of a Framing A artifact.
// GCM releases nothing until the trailing tag verifies, so the whole
// `ciphertext || tag` suffix is read and authenticated up front and
// only the verified plaintext is streamed out.
type decryptReader struct {
	buf *bytes.Buffer
}

func newDecryptReader(src io.Reader, gcm cipher.AEAD, iv []byte) (*decryptReader, error) {
	sealed, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading ciphertext: %w", err)
	}
	if len(sealed) < tagSize {
		return nil, ErrShortHeader
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: authenticating ciphertext: %w", err)
	}
	return &decryptReader{buf: bytes.NewBuffer(plaintext)}, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	return r.buf.Read(p)
}
