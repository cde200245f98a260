// Package repository defines the narrow facade the gateway uses to
// persist catalog metadata (audio files, chapters, access grants, and
// chunked-upload sessions), isolating every SQL statement behind a
// handful of methods so the rest of the gateway never imports a
// database driver directly.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by any lookup that finds no matching row.
var ErrNotFound = errors.New("repository: not found")

// AudioFile is the catalog record for one uploaded master recording.
// Key/IV are hex-encoded; the file on disk begins with the iv and ends
// with the GCM tag (Framing A), so no tag column is needed here.
type AudioFile struct {
	ID              string
	Title           string
	Filename        string
	MasterPath      string
	SHA256          string
	SizeBytes       int64
	DurationSeconds float64
	MimeType        string
	IsPublic        bool
	KeyID           string
	KeyVersion      int
	WrappedKey      []byte
	IV              string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChapterStatus is the lifecycle state of a Chapter row. A chapter is
// created pending, transitions to ready once the materializer commits
// its encrypted segment, or to failed if the run for this chapter
// errors out; failed chapters leave every other pending chapter of the
// same run untouched.
type ChapterStatus string

const (
	ChapterPending ChapterStatus = "pending"
	ChapterReady   ChapterStatus = "ready"
	ChapterFailed  ChapterStatus = "failed"
)

// Chapter is a materialized cut of an AudioFile. Start/End are
// non-negative offsets into the master's plaintext; End is nil when
// the chapter runs to the end of the recording. Key/IV/WrappedKey and
// either Tag or Manifest are null while pending and fully populated
// when ready (Framing B: the on-disk segment is bare ciphertext, this
// row carries everything needed to authenticate it). The materializer
// always produces a Manifest (its chunked streaming path), so Tag is
// carried only for segments built via the single-shot EncryptSegment.
type Chapter struct {
	ID          string
	AudioFileID string
	Label       string
	Index       int
	Start       time.Duration
	End         *time.Duration
	Status      ChapterStatus
	OutputPath  string
	PlainBytes  int64
	CipherBytes int64
	KeyID       string
	KeyVersion  int
	WrappedKey  []byte
	IV          string
	Tag         string
	Manifest    string
	CreatedAt   time.Time
	FinalizedAt *time.Time
}

// ChapterKeyMaterial carries the key material a materialization run
// produces for one chapter, ready to persist via MarkChapterReady.
type ChapterKeyMaterial struct {
	KeyID      string
	KeyVersion int
	WrappedKey []byte
	IV         string
	Tag        string
	Manifest   string
}

// FileAccess records which principal may play which resource, and
// until when.
type FileAccess struct {
	ID          string
	ResourceRef string
	PrincipalID string
	CanView     bool
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Unexpired reports whether the grant is currently usable: can-view
// and either no expiry or an expiry still in the future.
func (a *FileAccess) Unexpired(now time.Time) bool {
	if a == nil || !a.CanView {
		return false
	}
	return a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt)
}

// ChunkUploadSession is the durable record mirroring the on-disk
// chunkstore session, kept so ownership and TTL decisions don't
// require scanning the filesystem.
type ChunkUploadSession struct {
	ID          string
	ResourceRef string
	OwnerID     string
	TotalSize   int64
	ChunkBytes  int64
	Status      string // "uploading", "completed", "failed"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository is the facade every SQL-backed concern in the gateway
// goes through.
type Repository interface {
	CreateAudioFile(ctx context.Context, f *AudioFile) error
	GetAudioFile(ctx context.Context, id string) (*AudioFile, error)
	DeleteAudioFile(ctx context.Context, id string) error

	CreateChapter(ctx context.Context, c *Chapter) error
	GetChapter(ctx context.Context, id string) (*Chapter, error)
	ListChaptersForAudioFile(ctx context.Context, audioFileID string) ([]*Chapter, error)
	MarkChapterReady(ctx context.Context, id, outputPath string, plainBytes, cipherBytes int64, header *ChapterKeyMaterial) error
	MarkChapterFailed(ctx context.Context, id string) error
	DeleteChaptersForAudioFile(ctx context.Context, audioFileID string) error

	GrantAccess(ctx context.Context, a *FileAccess) error
	GetAccess(ctx context.Context, resourceRef, principalID string) (*FileAccess, error)
	RevokeAccess(ctx context.Context, resourceRef, principalID string) error

	CreateUploadSession(ctx context.Context, s *ChunkUploadSession) error
	GetUploadSession(ctx context.Context, id string) (*ChunkUploadSession, error)
	UpdateUploadSessionStatus(ctx context.Context, id, status string) error
	ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]*ChunkUploadSession, error)
	DeleteUploadSession(ctx context.Context, id string) error

	IsAdmin(ctx context.Context, principalID string) (bool, error)

	HealthCheck(ctx context.Context) error
	Close()
}
