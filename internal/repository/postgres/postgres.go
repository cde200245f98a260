// Package postgres implements the repository facade against Postgres
// using pgx's connection pool directly, without a query builder or
// ORM, matching how the rest of this gateway keeps its storage layers
// thin wrappers around the underlying client.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
)

// Repository implements repository.Repository against a pgxpool.Pool.
type Repository struct {
	pool *pgxpool.Pool
}

// New connects to Postgres using dsn and returns a ready Repository.
// Callers are responsible for running migrations that create the
// audio_files, chapters, file_access, and chunk_upload_sessions
// tables before first use.
func New(ctx context.Context, dsn string, maxConns int32) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}

	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() { r.pool.Close() }

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) CreateAudioFile(ctx context.Context, f *repository.AudioFile) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audio_files (id, title, filename, master_path, sha256, size_bytes, duration_seconds, mime_type, is_public, key_id, key_version, wrapped_key, iv, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			filename = EXCLUDED.filename,
			master_path = EXCLUDED.master_path,
			sha256 = EXCLUDED.sha256,
			size_bytes = EXCLUDED.size_bytes,
			duration_seconds = EXCLUDED.duration_seconds,
			mime_type = EXCLUDED.mime_type,
			is_public = EXCLUDED.is_public,
			key_id = EXCLUDED.key_id,
			key_version = EXCLUDED.key_version,
			wrapped_key = EXCLUDED.wrapped_key,
			iv = EXCLUDED.iv,
			updated_at = EXCLUDED.updated_at
	`, f.ID, f.Title, f.Filename, f.MasterPath, f.SHA256, f.SizeBytes, f.DurationSeconds, f.MimeType, f.IsPublic, f.KeyID, f.KeyVersion, f.WrappedKey, f.IV, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: creating audio file: %w", err)
	}
	return nil
}

func (r *Repository) GetAudioFile(ctx context.Context, id string) (*repository.AudioFile, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, title, filename, master_path, sha256, size_bytes, duration_seconds, mime_type, is_public, key_id, key_version, wrapped_key, iv, created_at, updated_at
		FROM audio_files WHERE id = $1
	`, id)

	var f repository.AudioFile
	err := row.Scan(&f.ID, &f.Title, &f.Filename, &f.MasterPath, &f.SHA256, &f.SizeBytes, &f.DurationSeconds, &f.MimeType, &f.IsPublic, &f.KeyID, &f.KeyVersion, &f.WrappedKey, &f.IV, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting audio file: %w", err)
	}
	return &f, nil
}

func (r *Repository) DeleteAudioFile(ctx context.Context, id string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM file_access WHERE resource_ref = $1`, id)
	batch.Queue(`DELETE FROM chapters WHERE audio_file_id = $1`, id)
	batch.Queue(`DELETE FROM audio_files WHERE id = $1`, id)
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: cascading delete of audio file: %w", err)
		}
	}
	return nil
}

func (r *Repository) CreateChapter(ctx context.Context, c *repository.Chapter) error {
	var endNS *int64
	if c.End != nil {
		ns := c.End.Nanoseconds()
		endNS = &ns
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chapters (id, audio_file_id, label, idx, start_ns, end_ns, status, output_path, plain_bytes, cipher_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.AudioFileID, c.Label, c.Index, c.Start.Nanoseconds(), endNS, c.Status, c.OutputPath, c.PlainBytes, c.CipherBytes, c.CreatedAt)
	// key_id/key_version/wrapped_key/iv/tag/manifest stay null until
	// MarkChapterReady populates them once the materializer finishes.
	if err != nil {
		return fmt.Errorf("postgres: creating chapter: %w", err)
	}
	return nil
}

func (r *Repository) GetChapter(ctx context.Context, id string) (*repository.Chapter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, audio_file_id, label, idx, start_ns, end_ns, status, output_path, plain_bytes, cipher_bytes, key_id, key_version, wrapped_key, iv, tag, manifest, created_at, finalized_at
		FROM chapters WHERE id = $1
	`, id)

	c, err := scanChapter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting chapter: %w", err)
	}
	return c, nil
}

func (r *Repository) ListChaptersForAudioFile(ctx context.Context, audioFileID string) ([]*repository.Chapter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, audio_file_id, label, idx, start_ns, end_ns, status, output_path, plain_bytes, cipher_bytes, key_id, key_version, wrapped_key, iv, tag, manifest, created_at, finalized_at
		FROM chapters WHERE audio_file_id = $1 ORDER BY idx ASC
	`, audioFileID)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*repository.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

func (r *Repository) MarkChapterReady(ctx context.Context, id, outputPath string, plainBytes, cipherBytes int64, header *repository.ChapterKeyMaterial) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE chapters SET status = $2, output_path = $3, plain_bytes = $4, cipher_bytes = $5,
			key_id = $6, key_version = $7, wrapped_key = $8, iv = $9, tag = $10, manifest = $11,
			finalized_at = now()
		WHERE id = $1
	`, id, repository.ChapterReady, outputPath, plainBytes, cipherBytes,
		header.KeyID, header.KeyVersion, header.WrappedKey, header.IV, header.Tag, header.Manifest)
	if err != nil {
		return fmt.Errorf("postgres: marking chapter ready: %w", err)
	}
	return nil
}

func (r *Repository) MarkChapterFailed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE chapters SET status = $2 WHERE id = $1`, id, repository.ChapterFailed)
	if err != nil {
		return fmt.Errorf("postgres: marking chapter failed: %w", err)
	}
	return nil
}

func (r *Repository) DeleteChaptersForAudioFile(ctx context.Context, audioFileID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chapters WHERE audio_file_id = $1`, audioFileID)
	if err != nil {
		return fmt.Errorf("postgres: deleting chapters: %w", err)
	}
	return nil
}

func (r *Repository) GrantAccess(ctx context.Context, a *repository.FileAccess) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO file_access (id, resource_ref, principal_id, can_view, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_ref, principal_id) DO UPDATE SET can_view = EXCLUDED.can_view, expires_at = EXCLUDED.expires_at
	`, a.ID, a.ResourceRef, a.PrincipalID, a.CanView, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: granting access: %w", err)
	}
	return nil
}

func (r *Repository) GetAccess(ctx context.Context, resourceRef, principalID string) (*repository.FileAccess, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, resource_ref, principal_id, can_view, expires_at, created_at
		FROM file_access WHERE resource_ref = $1 AND principal_id = $2
	`, resourceRef, principalID)

	var a repository.FileAccess
	err := row.Scan(&a.ID, &a.ResourceRef, &a.PrincipalID, &a.CanView, &a.ExpiresAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting access: %w", err)
	}
	return &a, nil
}

func (r *Repository) IsAdmin(ctx context.Context, principalID string) (bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT is_admin FROM principals WHERE id = $1`, principalID)
	var isAdmin bool
	err := row.Scan(&isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: checking admin status: %w", err)
	}
	return isAdmin, nil
}

func (r *Repository) RevokeAccess(ctx context.Context, resourceRef, principalID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM file_access WHERE resource_ref = $1 AND principal_id = $2
	`, resourceRef, principalID)
	if err != nil {
		return fmt.Errorf("postgres: revoking access: %w", err)
	}
	return nil
}

func (r *Repository) CreateUploadSession(ctx context.Context, s *repository.ChunkUploadSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chunk_upload_sessions (id, resource_ref, owner_id, total_size, chunk_bytes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.ResourceRef, s.OwnerID, s.TotalSize, s.ChunkBytes, s.Status, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: creating upload session: %w", err)
	}
	return nil
}

func (r *Repository) GetUploadSession(ctx context.Context, id string) (*repository.ChunkUploadSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, resource_ref, owner_id, total_size, chunk_bytes, status, created_at, updated_at
		FROM chunk_upload_sessions WHERE id = $1
	`, id)

	var s repository.ChunkUploadSession
	err := row.Scan(&s.ID, &s.ResourceRef, &s.OwnerID, &s.TotalSize, &s.ChunkBytes, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting upload session: %w", err)
	}
	return &s, nil
}

func (r *Repository) UpdateUploadSessionStatus(ctx context.Context, id, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE chunk_upload_sessions SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("postgres: updating upload session status: %w", err)
	}
	return nil
}

func (r *Repository) ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]*repository.ChunkUploadSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource_ref, owner_id, total_size, chunk_bytes, status, created_at, updated_at
		FROM chunk_upload_sessions WHERE updated_at < $1
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing stale upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*repository.ChunkUploadSession
	for rows.Next() {
		var s repository.ChunkUploadSession
		if err := rows.Scan(&s.ID, &s.ResourceRef, &s.OwnerID, &s.TotalSize, &s.ChunkBytes, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning upload session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

func (r *Repository) DeleteUploadSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chunk_upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: deleting upload session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChapter(row rowScanner) (*repository.Chapter, error) {
	var c repository.Chapter
	var startNS int64
	var endNS *int64
	var finalizedAt *time.Time
	var keyID, iv, tag, manifest *string
	var keyVersion *int
	err := row.Scan(&c.ID, &c.AudioFileID, &c.Label, &c.Index, &startNS, &endNS, &c.Status, &c.OutputPath, &c.PlainBytes, &c.CipherBytes,
		&keyID, &keyVersion, &c.WrappedKey, &iv, &tag, &manifest, &c.CreatedAt, &finalizedAt)
	if err != nil {
		return nil, err
	}
	if keyID != nil {
		c.KeyID = *keyID
	}
	if keyVersion != nil {
		c.KeyVersion = *keyVersion
	}
	if iv != nil {
		c.IV = *iv
	}
	if tag != nil {
		c.Tag = *tag
	}
	if manifest != nil {
		c.Manifest = *manifest
	}
	c.Start = time.Duration(startNS)
	if endNS != nil {
		d := time.Duration(*endNS)
		c.End = &d
	}
	c.FinalizedAt = finalizedAt
	return &c, nil
}

var _ repository.Repository = (*Repository)(nil)
