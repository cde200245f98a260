package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
	"github.com/kenneth/audio-drm-gateway/internal/signedurl"
	"github.com/kenneth/audio-drm-gateway/internal/stream"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	files    map[string]*repository.AudioFile
	chapters map[string]*repository.Chapter
	sessions map[string]*repository.ChunkUploadSession
	statuses map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		files:    map[string]*repository.AudioFile{},
		chapters: map[string]*repository.Chapter{},
		sessions: map[string]*repository.ChunkUploadSession{},
		statuses: map[string]string{},
	}
}

func (f *fakeRepo) CreateAudioFile(ctx context.Context, a *repository.AudioFile) error {
	f.files[a.ID] = a
	return nil
}
func (f *fakeRepo) GetAudioFile(ctx context.Context, id string) (*repository.AudioFile, error) {
	a, ok := f.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
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
func (f *fakeRepo) MarkChapterFailed(ctx context.Context, id string) error { return nil }
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
	f.statuses[id] = status
	return nil
}
func (f *fakeRepo) ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]*repository.ChunkUploadSession, error) {
	return nil, nil
}
func (f *fakeRepo) DeleteUploadSession(ctx context.Context, id string) error { return nil }

func (f *fakeRepo) IsAdmin(ctx context.Context, principalID string) (bool, error) {
	return false, nil
}
func (f *fakeRepo) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeRepo) Close()                                {}

var _ repository.Repository = (*fakeRepo)(nil)

type memKeyManager struct {
	store map[int][]byte
}

func newMemKeyManager() *memKeyManager { return &memKeyManager{store: map[int][]byte{}} }

func (m *memKeyManager) Provider() string { return "memory-test" }
func (m *memKeyManager) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) (*crypto.KeyEnvelope, error) {
	id := len(m.store) + 1
	m.store[id] = append([]byte(nil), plaintext...)
	return &crypto.KeyEnvelope{KeyID: "k1", KeyVersion: 1, Provider: m.Provider(), Ciphertext: []byte{byte(id)}}, nil
}
func (m *memKeyManager) UnwrapKey(_ context.Context, env *crypto.KeyEnvelope, _ map[string]string) ([]byte, error) {
	return m.store[int(env.Ciphertext[0])], nil
}
func (m *memKeyManager) ActiveKeyVersion(_ context.Context) (int, error) { return 1, nil }
func (m *memKeyManager) HealthCheck(_ context.Context) error             { return nil }
func (m *memKeyManager) Close(_ context.Context) error                   { return nil }

// streamFixture stands up Handlers around a real envelope, signed-url
// codec, and stream server, with a public encrypted master on disk.
type streamFixture struct {
	handlers *Handlers
	codec    *signedurl.Codec
	router   *mux.Router
	fileID   string
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	ctx := context.Background()

	envelope := crypto.NewEnvelope(newMemKeyManager(), nil)
	codec, err := signedurl.NewCodec([]byte("signed-url-secret-material"))
	require.NoError(t, err)

	plaintext := []byte("a public master recording's bytes")
	masterPath := filepath.Join(t.TempDir(), "encrypted_master.mp3")
	out, err := os.Create(masterPath)
	require.NoError(t, err)
	header, err := envelope.EncryptFile(ctx, out, bytes.NewReader(plaintext))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	repo := newFakeRepo()
	fileID := "file-42"
	repo.files[fileID] = &repository.AudioFile{
		ID:         fileID,
		Filename:   "book.mp3",
		MasterPath: masterPath,
		MimeType:   "audio/mpeg",
		IsPublic:   true,
		KeyID:      header.KeyID,
		KeyVersion: header.KeyVersion,
		WrappedKey: header.WrappedKey,
		IV:         hex.EncodeToString(header.IV),
	}

	handlers := New(Config{
		Repo:     repo,
		Streamer: stream.New(envelope, nil, t.TempDir(), nil),
		URLCodec: codec,
	})
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	return &streamFixture{handlers: handlers, codec: codec, router: router, fileID: fileID}
}

func (fx *streamFixture) request(t *testing.T, token, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/drm/audio/"+fx.fileID+"/stream-signed?token="+token, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func TestMasterStream_SignedURLAdmitsBoundClient(t *testing.T) {
	fx := newStreamFixture(t)

	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     fx.fileID,
		Start:           -1,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(30 * time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	rec := fx.request(t, token, "198.51.100.7:50000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a public master recording's bytes", rec.Body.String())
	require.Equal(t, "no-store, no-cache, must-revalidate, private", rec.Header().Get("Cache-Control"))
	require.Equal(t, "none", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMasterStream_SignedURLRejectsOtherClient(t *testing.T) {
	fx := newStreamFixture(t)

	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     fx.fileID,
		Start:           -1,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(30 * time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	rec := fx.request(t, token, "203.0.113.9:50000")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMasterStream_SignedURLRejectsExpired(t *testing.T) {
	fx := newStreamFixture(t)

	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     fx.fileID,
		Start:           -1,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(-time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	rec := fx.request(t, token, "198.51.100.7:50000")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMasterStream_SignedURLRejectsWrongResource(t *testing.T) {
	fx := newStreamFixture(t)

	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     "some-other-file",
		Start:           -1,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(30 * time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	rec := fx.request(t, token, "198.51.100.7:50000")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMasterStream_QueryRangeMustMatchSignedRange(t *testing.T) {
	fx := newStreamFixture(t)

	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     fx.fileID,
		Start:           120,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(30 * time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	// A ticket signed for start=120 cannot be replayed against a
	// different slice.
	req := httptest.NewRequest(http.MethodGet, "/drm/audio/"+fx.fileID+"/stream-signed?token="+token+"&start=300", nil)
	req.RemoteAddr = "198.51.100.7:50000"
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMasterStream_WholeFileTicketIgnoresNoQuery(t *testing.T) {
	fx := newStreamFixture(t)

	// start=0 with the -1 end sentinel is the whole recording: served
	// as a direct decrypt pipe, no transcoder involved.
	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     fx.fileID,
		Start:           0,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(30 * time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	rec := fx.request(t, token, "198.51.100.7:50000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a public master recording's bytes", rec.Body.String())
}

func TestMasterStream_MatchingQueryRangeAccepted(t *testing.T) {
	fx := newStreamFixture(t)

	token := fx.codec.Sign(signedurl.Ticket{
		ResourceRef:     fx.fileID,
		Start:           0,
		End:             -1,
		ExpiresAtMillis: time.Now().Add(30 * time.Minute).UnixMilli(),
		ClientIP:        "198.51.100.7",
	})

	req := httptest.NewRequest(http.MethodGet, "/drm/audio/"+fx.fileID+"/stream-signed?token="+token+"&start=0&end=-1", nil)
	req.RemoteAddr = "198.51.100.7:50000"
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMasterStream_MissingTokenRejected(t *testing.T) {
	fx := newStreamFixture(t)
	rec := fx.request(t, "", "198.51.100.7:50000")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMasterStream_SecurityHeadersPresentOnRejection(t *testing.T) {
	// Streaming endpoints set the anti-caching contract before touching
	// storage, so even a 403 carries it.
	fx := newStreamFixture(t)
	rec := fx.request(t, "not-a-token", "198.51.100.7:50000")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Cache-Control"))
}
