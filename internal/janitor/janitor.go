// Package janitor implements the background reclamation sweep: it
// reaps expired or failed upload sessions and their chunk directories,
// stale temp files left behind by interrupted chapter materialization
// runs, and chapter ciphertexts orphaned by a deleted Chapter row. It
// never touches the master-file root.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/audit"
	"github.com/kenneth/audio-drm-gateway/internal/metrics"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
)

// orphanTempGrace is how long a temp_chapter_* file may linger before
// it's treated as abandoned by a crashed materialization run, shorter
// than the general 1h temp-file TTL because these are meant to live
// only for the duration of one cut+re-encrypt step.
const orphanTempGrace = 10 * time.Minute

// Janitor walks the chunk store, temp directory, and chapter root on a
// fixed interval, reclaiming anything with no live row or past its TTL.
type Janitor struct {
	repo repository.Repository

	chunkRoot   string
	tempRoot    string
	chapterRoot string
	masterRoot  string

	sessionTTL       time.Duration
	failedSessionTTL time.Duration
	interval         time.Duration

	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
}

// New builds a Janitor. It refuses to construct one whose chunk or
// temp roots are not disjoint from masterRoot, since a sweep that
// reached into the master root could delete a live, irreplaceable
// ciphertext.
func New(repo repository.Repository, chunkRoot, tempRoot, chapterRoot, masterRoot string, sessionTTL, failedSessionTTL, interval time.Duration, m *metrics.Metrics, al audit.Logger, logger *logrus.Logger) (*Janitor, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if failedSessionTTL <= 0 {
		failedSessionTTL = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	for _, root := range []string{chunkRoot, tempRoot, chapterRoot} {
		disjoint, err := disjointFrom(root, masterRoot)
		if err != nil {
			return nil, fmt.Errorf("janitor: checking root disjointness: %w", err)
		}
		if !disjoint {
			return nil, fmt.Errorf("janitor: refusing to start: %s is not disjoint from the master root %s", root, masterRoot)
		}
	}

	return &Janitor{
		repo:             repo,
		chunkRoot:        chunkRoot,
		tempRoot:         tempRoot,
		chapterRoot:      chapterRoot,
		masterRoot:       masterRoot,
		sessionTTL:       sessionTTL,
		failedSessionTTL: failedSessionTTL,
		interval:         interval,
		logger:           logger,
		metrics:          m,
		audit:            al,
	}, nil
}

// disjointFrom reports whether root is neither an ancestor of,
// descendant of, nor equal to other, comparing cleaned absolute paths.
func disjointFrom(root, other string) (bool, error) {
	a, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	b, err := filepath.Abs(other)
	if err != nil {
		return false, err
	}
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return false, nil
	}
	if strings.HasPrefix(a, b+string(filepath.Separator)) {
		return false, nil
	}
	if strings.HasPrefix(b, a+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

// Run ticks every j.interval until ctx is cancelled, logging but never
// aborting the loop over a single sweep's error.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Tick(ctx); err != nil {
				j.logger.WithError(err).Error("janitor: sweep failed")
			}
		}
	}
}

// Tick runs one full reclamation sweep: stale upload sessions, stale
// temp files, orphaned chapter ciphertexts, then empty directories
// left behind by the first three steps.
func (j *Janitor) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if j.metrics != nil {
			j.metrics.RecordJanitorTick(time.Since(start))
		}
	}()

	var errs []error
	if err := j.reapUploadSessions(ctx); err != nil {
		j.recordError("upload_session")
		errs = append(errs, err)
	}
	if err := j.reapTempFiles(ctx); err != nil {
		j.recordError("temp_file")
		errs = append(errs, err)
	}
	if err := j.reapOrphanChapters(ctx); err != nil {
		j.recordError("chapter_ciphertext")
		errs = append(errs, err)
	}
	j.removeEmptyDirs(j.tempRoot)
	j.removeEmptyDirs(j.chunkRoot)

	return errors.Join(errs...)
}

func (j *Janitor) recordError(category string) {
	if j.metrics != nil {
		j.metrics.RecordJanitorReapError(category)
	}
}

// reapUploadSessions drops ChunkUploadSession rows (and their on-disk
// chunk directories) that are either older than sessionTTL regardless
// of status, or failed and idle longer than failedSessionTTL.
func (j *Janitor) reapUploadSessions(ctx context.Context) error {
	now := time.Now()

	// ListStaleUploadSessions gives us every session not updated since
	// the shorter of the two horizons; we apply the exact two-part
	// rule from the data model in Go rather than push it into SQL, so
	// this method stays the single source of truth for the reap policy.
	cutoff := j.failedSessionTTL
	if j.sessionTTL < cutoff {
		cutoff = j.sessionTTL
	}
	candidates, err := j.repo.ListStaleUploadSessions(ctx, now.Add(-cutoff))
	if err != nil {
		return fmt.Errorf("janitor: listing stale upload sessions: %w", err)
	}

	var reaped int
	for _, s := range candidates {
		expired := now.Sub(s.CreatedAt) > j.sessionTTL
		failedIdle := s.Status == "failed" && now.Sub(s.UpdatedAt) > j.failedSessionTTL
		if !expired && !failedIdle {
			continue
		}

		if err := os.RemoveAll(filepath.Join(j.chunkRoot, s.ID)); err != nil {
			j.logger.WithError(err).WithField("session_id", s.ID).Warn("janitor: removing chunk directory")
			continue
		}
		if err := j.repo.DeleteUploadSession(ctx, s.ID); err != nil {
			j.logger.WithError(err).WithField("session_id", s.ID).Warn("janitor: deleting upload session row")
			continue
		}
		reaped++
		if j.audit != nil {
			j.audit.LogAccess("janitor_reap_upload_session", s.ResourceRef, "", "", "", "", true, nil, 0)
		}
	}

	if j.metrics != nil && reaped > 0 {
		j.metrics.RecordJanitorReap("upload_session", reaped)
	}
	j.logger.WithField("count", reaped).Debug("janitor: reaped upload sessions")
	return nil
}

// reapTempFiles removes decrypted-master and cut-segment temp files
// that have outlived a materialization run: either they're simply old
// (mtime > 1h) or they're a temp_chapter_* cut artifact that has
// outlived the short grace window a healthy run needs to consume it.
func (j *Janitor) reapTempFiles(ctx context.Context) error {
	entries, err := os.ReadDir(j.tempRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("janitor: reading temp root: %w", err)
	}

	var reaped int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		age := time.Since(info.ModTime())
		stale := age > time.Hour
		crashedCut := glob.Glob("temp_chapter_*", entry.Name()) && age > orphanTempGrace

		if !stale && !crashedCut {
			continue
		}

		path := filepath.Join(j.tempRoot, entry.Name())
		if err := os.Remove(path); err != nil {
			j.logger.WithError(err).WithField("path", path).Warn("janitor: removing temp file")
			continue
		}
		reaped++
	}

	if j.metrics != nil && reaped > 0 {
		j.metrics.RecordJanitorReap("temp_file", reaped)
	}
	j.logger.WithField("count", reaped).Debug("janitor: reaped temp files")
	return nil
}

// reapOrphanChapters removes chapter ciphertext files whose (file-id,
// chapter-id), parsed out of the `chapter_<fid>_<cid>_<ts>.enc` name,
// no longer has a backing Chapter row.
func (j *Janitor) reapOrphanChapters(ctx context.Context) error {
	entries, err := os.ReadDir(j.chapterRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("janitor: reading chapter root: %w", err)
	}

	var reaped int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !glob.Glob("chapter_*_*_*.enc", name) {
			continue
		}

		_, chapterID, ok := parseChapterFilename(name)
		if !ok {
			continue
		}

		_, err := j.repo.GetChapter(ctx, chapterID)
		if err == nil {
			continue // live row, keep the file
		}
		if !errors.Is(err, repository.ErrNotFound) {
			j.logger.WithError(err).WithField("chapter_id", chapterID).Warn("janitor: looking up chapter row")
			continue
		}

		path := filepath.Join(j.chapterRoot, name)
		if err := os.Remove(path); err != nil {
			j.logger.WithError(err).WithField("path", path).Warn("janitor: removing orphaned chapter ciphertext")
			continue
		}
		reaped++
		if j.audit != nil {
			j.audit.LogAccess("janitor_reap_chapter", "", chapterID, "", "", "", true, nil, 0)
		}
	}

	if j.metrics != nil && reaped > 0 {
		j.metrics.RecordJanitorReap("chapter_ciphertext", reaped)
	}
	j.logger.WithField("count", reaped).Debug("janitor: reaped orphaned chapter ciphertexts")
	return nil
}

// parseChapterFilename splits "chapter_<fid>_<cid>_<ts>.enc" into its
// file and chapter ids. It returns ok=false for anything that doesn't
// match the exact four-part shape, so a name that merely starts with
// "chapter_" but isn't ours is left alone rather than guessed at.
func parseChapterFilename(name string) (fileID, chapterID string, ok bool) {
	trimmed := strings.TrimSuffix(name, ".enc")
	parts := strings.Split(trimmed, "_")
	if len(parts) != 4 || parts[0] != "chapter" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// removeEmptyDirs walks root bottom-up and removes any directory left
// empty by the reap steps above, ignoring root itself.
func (j *Janitor) removeEmptyDirs(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		j.removeEmptyDirs(dir)

		remaining, err := os.ReadDir(dir)
		if err != nil || len(remaining) > 0 {
			continue
		}
		os.Remove(dir)
	}
}
