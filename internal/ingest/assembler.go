// Package ingest finalizes a completed chunked upload session into an
// encrypted master artifact under the gateway's upload root, verifying
// the client-declared checksum against the assembled plaintext before
// it is ever encrypted.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/chunkstore"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/metrics"
)

// Assembler turns completed chunk sessions into encrypted masters.
type Assembler struct {
	chunks     *chunkstore.Store
	envelope   *crypto.Envelope
	uploadRoot string
	tempRoot   string
	// Prober, if set, is run against the assembled plaintext before it
	// is encrypted, so the catalog can record a duration without ever
	// needing to probe the ciphertext later.
	Prober func(ctx context.Context, path string) (time.Duration, error)

	// Metrics, if set, records envelope seal durations and volumes.
	Metrics *metrics.Metrics

	// CleanupGrace is how long the chunk session outlives a successful
	// finalize before its directory is removed, giving a client whose
	// acknowledgement was lost a window to retry against the same
	// chunks. Non-positive removes the session immediately.
	CleanupGrace time.Duration
}

// New builds an Assembler writing encrypted masters under uploadRoot,
// using tempRoot to stage the assembled plaintext before encryption.
func New(chunks *chunkstore.Store, envelope *crypto.Envelope, uploadRoot, tempRoot string) *Assembler {
	return &Assembler{
		chunks:     chunks,
		envelope:   envelope,
		uploadRoot: uploadRoot,
		tempRoot:   tempRoot,
	}
}

// Result describes the finalized master. Size is the ciphertext size
// on disk (plaintext plus the 12-byte iv and 16-byte tag). Key/IV are
// hex-encoded; the file at MasterPath already begins with the iv and
// ends with the GCM tag (Framing A), so no tag is carried here.
type Result struct {
	ResourceRef     string
	MasterPath      string
	Filename        string
	MimeType        string
	SHA256          string
	Size            int64
	KeyID           string
	KeyVersion      int
	WrappedKey      []byte
	IV              string
	DurationSeconds float64
}

// Finalize assembles sessionID's chunks into a temp file, verifies its
// SHA-256 against expectedChecksum (hex-encoded; when empty, the
// checksum recorded on the session is used, and the check is skipped
// only if that is empty too),
// encrypts it into the upload root, and schedules the chunk session
// for removal after CleanupGrace. The temp file is always removed,
// even on failure.
func (a *Assembler) Finalize(ctx context.Context, sessionID, expectedChecksum string) (*Result, error) {
	meta, err := a.chunks.Metadata(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !meta.IsComplete() {
		return nil, apierr.New(apierr.CodeUploadConflict, "cannot finalize an incomplete upload session")
	}

	if err := os.MkdirAll(a.tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: creating temp root: %w", err)
	}

	tempFile, err := os.CreateTemp(a.tempRoot, "assemble-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("ingest: creating temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	hasher := sha256.New()
	writer := io.MultiWriter(tempFile, hasher)

	err = a.chunks.AssembleInto(ctx, sessionID, func(_ int, chunkPath string) error {
		f, err := os.Open(chunkPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(writer, f)
		return err
	})
	closeErr := tempFile.Close()
	if err != nil {
		return nil, fmt.Errorf("ingest: assembling session %s: %w", sessionID, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("ingest: closing temp file: %w", closeErr)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if expectedChecksum == "" {
		expectedChecksum = meta.ExpectedSHA256
	}
	if expectedChecksum != "" && checksum != expectedChecksum {
		return nil, apierr.New(apierr.CodeChecksumMismatch, fmt.Sprintf("expected %s, got %s", expectedChecksum, checksum))
	}

	plainInfo, err := os.Stat(tempPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: statting assembled file: %w", err)
	}

	// A probe failure doesn't fail the upload: duration is advisory
	// catalog metadata, not something playback depends on.
	var durationSeconds float64
	if a.Prober != nil {
		if duration, err := a.Prober(ctx, tempPath); err == nil {
			durationSeconds = duration.Seconds()
		}
	}

	if err := os.MkdirAll(a.uploadRoot, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: creating upload root: %w", err)
	}
	ext := filepath.Ext(meta.Filename)
	if ext == "" {
		ext = ".bin"
	}
	masterPath := filepath.Join(a.uploadRoot, "encrypted_"+meta.ResourceRef+ext)

	out, err := os.Create(masterPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: creating master file: %w", err)
	}
	defer out.Close()

	src, err := os.Open(tempPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: reopening assembled file: %w", err)
	}
	defer src.Close()

	encryptStart := time.Now()
	header, err := a.envelope.EncryptFile(ctx, out, src)
	if err != nil {
		if a.Metrics != nil {
			a.Metrics.RecordEncryptionError(ctx, "encrypt", "seal_failed")
		}
		// A partially written ciphertext must never be left under the
		// upload root where it could be mistaken for a valid master.
		out.Close()
		os.Remove(masterPath)
		return nil, fmt.Errorf("ingest: encrypting master: %w", err)
	}
	if a.Metrics != nil {
		a.Metrics.RecordEncryptionOperation(ctx, "encrypt", time.Since(encryptStart), plainInfo.Size())
	}

	// The catalog records the ciphertext size: what the stat of the
	// master on disk reports, not the plaintext length.
	cipherInfo, err := os.Stat(masterPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: statting encrypted master: %w", err)
	}

	a.scheduleChunkCleanup(sessionID)

	return &Result{
		ResourceRef:     meta.ResourceRef,
		MasterPath:      masterPath,
		Filename:        meta.Filename,
		MimeType:        meta.MimeType,
		SHA256:          checksum,
		Size:            cipherInfo.Size(),
		KeyID:           header.KeyID,
		KeyVersion:      header.KeyVersion,
		WrappedKey:      header.WrappedKey,
		IV:              hex.EncodeToString(header.IV),
		DurationSeconds: durationSeconds,
	}, nil
}

// scheduleChunkCleanup removes the finalized session's chunk
// directory, after CleanupGrace when one is configured. Removal is
// best-effort either way: the master is already durable, and anything
// left behind ages onto the janitor's reap clock.
func (a *Assembler) scheduleChunkCleanup(sessionID string) {
	if a.CleanupGrace <= 0 {
		_ = a.chunks.DeleteSession(context.Background(), sessionID)
		return
	}
	time.AfterFunc(a.CleanupGrace, func() {
		_ = a.chunks.DeleteSession(context.Background(), sessionID)
	})
}
