package api

import (
	"encoding/hex"
	"fmt"

	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
)

// masterEnvelopeHeader rebuilds the Framing A key material DecryptStream
// needs from an AudioFile row.
func masterEnvelopeHeader(f *repository.AudioFile) (*crypto.EnvelopeHeader, error) {
	iv, err := hex.DecodeString(f.IV)
	if err != nil {
		return nil, fmt.Errorf("api: decoding master iv: %w", err)
	}
	return &crypto.EnvelopeHeader{
		KeyID:      f.KeyID,
		KeyVersion: f.KeyVersion,
		WrappedKey: f.WrappedKey,
		IV:         iv,
	}, nil
}

// chapterEnvelopeHeader rebuilds the Framing B key material
// DecryptSegmentStreaming needs from a Chapter row. Chapters
// materialized by the Chapter Materializer always carry a Manifest
// rather than a bare Tag.
func chapterEnvelopeHeader(c *repository.Chapter) (*crypto.EnvelopeHeader, error) {
	iv, err := hex.DecodeString(c.IV)
	if err != nil {
		return nil, fmt.Errorf("api: decoding chapter iv: %w", err)
	}
	var tag []byte
	if c.Tag != "" {
		tag, err = hex.DecodeString(c.Tag)
		if err != nil {
			return nil, fmt.Errorf("api: decoding chapter tag: %w", err)
		}
	}
	return &crypto.EnvelopeHeader{
		KeyID:      c.KeyID,
		KeyVersion: c.KeyVersion,
		WrappedKey: c.WrappedKey,
		IV:         iv,
		Tag:        tag,
		Manifest:   c.Manifest,
	}, nil
}
