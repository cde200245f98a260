// Package chunkstore persists resumable upload sessions as one file per
// received chunk plus a metadata.json sidecar recording which chunk
// indices have landed, so an interrupted upload can resume without the
// client or server re-sending bytes the store already has durably on
// disk.
package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/apierr"
)

// SessionMetadata is the on-disk sidecar (metadata.json) recorded
// alongside a chunk session's blob files.
type SessionMetadata struct {
	SessionID      string    `json:"session_id"`
	ResourceRef    string    `json:"resource_ref"`
	Filename       string    `json:"filename"`
	MimeType       string    `json:"mime_type"`
	ExpectedSHA256 string    `json:"expected_sha256"`
	TotalSize      int64     `json:"total_size"`
	ChunkBytes     int64     `json:"chunk_bytes"`
	ReceivedChunks []int     `json:"received_chunks"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store manages chunked upload sessions rooted at a single directory,
// one subdirectory per session: <root>/<sessionID>/chunk_<index>,
// <root>/<sessionID>/metadata.json.
type Store struct {
	root string
	mu   sync.Mutex // serializes metadata.json read-modify-write per process
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: creating root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) metadataPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "metadata.json")
}

func (s *Store) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("chunk_%08d", index))
}

// CreateSession initializes a new upload session directory and its
// metadata sidecar. Creating a session with an ID that already exists
// is idempotent: it returns the existing metadata unchanged, matching
// the resumable-upload contract that a retried "start upload" call
// must not reset progress already made.
func (s *Store) CreateSession(ctx context.Context, sessionID, resourceRef string, totalSize, chunkBytes int64) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.readMetadataLocked(sessionID); err == nil {
		return existing, nil
	}

	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: creating session dir: %w", err)
	}

	now := time.Now()
	meta := &SessionMetadata{
		SessionID:      sessionID,
		ResourceRef:    resourceRef,
		TotalSize:      totalSize,
		ChunkBytes:     chunkBytes,
		ReceivedChunks: []int{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.writeMetadataLocked(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// PutChunk writes a chunk's bytes to disk and marks it received in the
// sidecar. Writing the same index twice overwrites the prior blob and
// leaves it recorded once, so a client that retries a chunk after a
// dropped acknowledgement doesn't corrupt the session's bookkeeping.
func (s *Store) PutChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMetadataLocked(sessionID)
	if err != nil {
		return err
	}

	path := s.chunkPath(sessionID, index)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("chunkstore: writing chunk %d: %w", index, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("chunkstore: finalizing chunk %d: %w", index, err)
	}

	if !containsInt(meta.ReceivedChunks, index) {
		meta.ReceivedChunks = append(meta.ReceivedChunks, index)
		sort.Ints(meta.ReceivedChunks)
	}
	meta.UpdatedAt = time.Now()

	return s.writeMetadataLocked(meta)
}

// Metadata returns the current session metadata.
func (s *Store) Metadata(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetadataLocked(sessionID)
}

// SetUploadInfo records the client-declared filename, MIME type, and
// expected checksum alongside a session, so they survive to finalize
// without the caller having to track them separately.
func (s *Store) SetUploadInfo(ctx context.Context, sessionID, filename, mimeType, expectedSHA256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMetadataLocked(sessionID)
	if err != nil {
		return err
	}
	meta.Filename = filename
	meta.MimeType = mimeType
	meta.ExpectedSHA256 = expectedSHA256
	meta.UpdatedAt = time.Now()
	return s.writeMetadataLocked(meta)
}

// IsComplete reports whether every chunk implied by TotalSize/ChunkBytes
// has been received.
func (m *SessionMetadata) IsComplete() bool {
	if m.ChunkBytes <= 0 {
		return false
	}
	expected := (m.TotalSize + m.ChunkBytes - 1) / m.ChunkBytes
	return int64(len(m.ReceivedChunks)) == expected
}

// AssembleInto writes every chunk, in index order, to dst. The caller
// must have already confirmed IsComplete(); AssembleInto returns an
// apierr.CodeUploadConflict error if a chunk file is unexpectedly
// missing, since that means the session's bookkeeping and its
// filesystem state have diverged.
func (s *Store) AssembleInto(ctx context.Context, sessionID string, dst func(index int, path string) error) error {
	meta, err := s.Metadata(ctx, sessionID)
	if err != nil {
		return err
	}
	if !meta.IsComplete() {
		return apierr.New(apierr.CodeUploadConflict, "session is not complete")
	}

	chunks := append([]int(nil), meta.ReceivedChunks...)
	sort.Ints(chunks)

	for _, idx := range chunks {
		path := s.chunkPath(sessionID, idx)
		if _, err := os.Stat(path); err != nil {
			return apierr.Wrap(apierr.CodeUploadConflict, fmt.Sprintf("chunk %d missing from disk", idx), err)
		}
		if err := dst(idx, path); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSession removes a session's directory and all of its chunks.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}

// Root returns the store's root directory, exposed so the janitor can
// enumerate sessions independently of an in-memory registry.
func (s *Store) Root() string { return s.root }

func (s *Store) readMetadataLocked(sessionID string) (*SessionMetadata, error) {
	data, err := os.ReadFile(s.metadataPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Wrap(apierr.CodeNotFound, "upload session not found", err)
		}
		return nil, fmt.Errorf("chunkstore: reading metadata: %w", err)
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("chunkstore: parsing metadata: %w", err)
	}
	return &meta, nil
}

func (s *Store) writeMetadataLocked(meta *SessionMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("chunkstore: marshaling metadata: %w", err)
	}

	path := s.metadataPath(meta.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("chunkstore: writing metadata: %w", err)
	}
	return os.Rename(tmp, path)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
