package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/repository"
	"github.com/stretchr/testify/require"
)

// fakeRepo is a minimal in-memory Repository sufficient to exercise the
// janitor's reap decisions without a database.
type fakeRepo struct {
	sessions map[string]*repository.ChunkUploadSession
	chapters map[string]*repository.Chapter
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*repository.ChunkUploadSession),
		chapters: make(map[string]*repository.Chapter),
	}
}

func (f *fakeRepo) CreateAudioFile(ctx context.Context, a *repository.AudioFile) error { return nil }
func (f *fakeRepo) GetAudioFile(ctx context.Context, id string) (*repository.AudioFile, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeRepo) DeleteAudioFile(ctx context.Context, id string) error { return nil }

func (f *fakeRepo) CreateChapter(ctx context.Context, c *repository.Chapter) error {
	f.chapters[c.ID] = c
	return nil
}
func (f *fakeRepo) GetChapter(ctx context.Context, id string) (*repository.Chapter, error) {
	c, ok := f.chapters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}
func (f *fakeRepo) ListChaptersForAudioFile(ctx context.Context, audioFileID string) ([]*repository.Chapter, error) {
	return nil, nil
}
func (f *fakeRepo) MarkChapterReady(ctx context.Context, id, outputPath string, plainBytes, cipherBytes int64, header *repository.ChapterKeyMaterial) error {
	return nil
}
func (f *fakeRepo) MarkChapterFailed(ctx context.Context, id string) error         { return nil }
func (f *fakeRepo) DeleteChaptersForAudioFile(ctx context.Context, audioFileID string) error {
	return nil
}

func (f *fakeRepo) GrantAccess(ctx context.Context, a *repository.FileAccess) error { return nil }
func (f *fakeRepo) GetAccess(ctx context.Context, resourceRef, principalID string) (*repository.FileAccess, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeRepo) RevokeAccess(ctx context.Context, resourceRef, principalID string) error {
	return nil
}

func (f *fakeRepo) CreateUploadSession(ctx context.Context, s *repository.ChunkUploadSession) error {
	f.sessions[s.ID] = s
	return nil
}
func (f *fakeRepo) GetUploadSession(ctx context.Context, id string) (*repository.ChunkUploadSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}
func (f *fakeRepo) UpdateUploadSessionStatus(ctx context.Context, id, status string) error {
	if s, ok := f.sessions[id]; ok {
		s.Status = status
	}
	return nil
}
func (f *fakeRepo) ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]*repository.ChunkUploadSession, error) {
	var out []*repository.ChunkUploadSession
	for _, s := range f.sessions {
		if s.UpdatedAt.Before(olderThan) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeRepo) DeleteUploadSession(ctx context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeRepo) IsAdmin(ctx context.Context, principalID string) (bool, error) { return false, nil }
func (f *fakeRepo) HealthCheck(ctx context.Context) error                         { return nil }
func (f *fakeRepo) Close()                                                        {}

var _ repository.Repository = (*fakeRepo)(nil)

func TestNew_RefusesOverlappingRoots(t *testing.T) {
	base := t.TempDir()
	master := filepath.Join(base, "masters")
	chunks := filepath.Join(master, "chunks") // nested under master: must be refused

	_, err := New(newFakeRepo(), chunks, filepath.Join(base, "temp"), filepath.Join(base, "chapters"), master, time.Hour, time.Hour, time.Minute, nil, nil, nil)
	require.Error(t, err)
}

func TestTick_ReapsExpiredUploadSession(t *testing.T) {
	base := t.TempDir()
	chunkRoot := filepath.Join(base, "chunks")
	require.NoError(t, os.MkdirAll(filepath.Join(chunkRoot, "sess-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chunkRoot, "sess-1", "chunk_00000000"), []byte("x"), 0o644))

	repo := newFakeRepo()
	repo.sessions["sess-1"] = &repository.ChunkUploadSession{
		ID:        "sess-1",
		Status:    "uploading",
		CreatedAt: time.Now().Add(-25 * time.Hour),
		UpdatedAt: time.Now().Add(-25 * time.Hour),
	}

	j, err := New(repo, chunkRoot, filepath.Join(base, "temp"), filepath.Join(base, "chapters"), filepath.Join(base, "masters"), 24*time.Hour, 2*time.Hour, time.Minute, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, j.Tick(context.Background()))

	_, ok := repo.sessions["sess-1"]
	require.False(t, ok)
	_, err = os.Stat(filepath.Join(chunkRoot, "sess-1"))
	require.True(t, os.IsNotExist(err))
}

func TestTick_ReapsOrphanedChapterCiphertext(t *testing.T) {
	base := t.TempDir()
	chapterRoot := filepath.Join(base, "chapters")
	require.NoError(t, os.MkdirAll(chapterRoot, 0o755))

	orphanPath := filepath.Join(chapterRoot, "chapter_file1_missing-chapter_123.enc")
	require.NoError(t, os.WriteFile(orphanPath, []byte("x"), 0o644))

	livePath := filepath.Join(chapterRoot, "chapter_file1_live-chapter_124.enc")
	require.NoError(t, os.WriteFile(livePath, []byte("x"), 0o644))

	repo := newFakeRepo()
	repo.chapters["live-chapter"] = &repository.Chapter{ID: "live-chapter"}

	j, err := New(repo, filepath.Join(base, "chunks"), filepath.Join(base, "temp"), chapterRoot, filepath.Join(base, "masters"), time.Hour, time.Hour, time.Minute, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, j.Tick(context.Background()))

	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(livePath)
	require.NoError(t, err)
}

func TestTick_ReapsStaleTempFile(t *testing.T) {
	base := t.TempDir()
	tempRoot := filepath.Join(base, "temp")
	require.NoError(t, os.MkdirAll(tempRoot, 0o755))

	stalePath := filepath.Join(tempRoot, "master-stale.dec")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	freshPath := filepath.Join(tempRoot, "master-fresh.dec")
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	j, err := New(newFakeRepo(), filepath.Join(base, "chunks"), tempRoot, filepath.Join(base, "chapters"), filepath.Join(base, "masters"), time.Hour, time.Hour, time.Minute, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, j.Tick(context.Background()))

	_, err = os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	require.NoError(t, err)
}
