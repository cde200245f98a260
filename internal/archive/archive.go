// Package archive implements the Archive Mirror: an optional background
// copy of every encrypted master to an S3-compatible bucket, so a lost
// local disk doesn't mean a lost catalog. Materialized chapters are not
// mirrored. It never sees plaintext — the bytes it pushes are already
// AES-256-GCM envelopes.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/metrics"
	"github.com/kenneth/audio-drm-gateway/internal/s3"
	"github.com/sirupsen/logrus"
)

// Mirror copies encrypted artifacts to a remote S3-compatible bucket.
type Mirror struct {
	client  s3.Client
	bucket  string
	prefix  string
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New builds a Mirror. client is typically built via s3.NewClient against
// one of the provider presets in providers.go.
func New(client s3.Client, bucket, prefix string, logger *logrus.Logger, m *metrics.Metrics) *Mirror {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mirror{client: client, bucket: bucket, prefix: prefix, logger: logger, metrics: m}
}

func (mi *Mirror) objectKey(resourceRef string) string {
	if mi.prefix == "" {
		return resourceRef
	}
	return mi.prefix + "/" + resourceRef
}

// MirrorFile streams the encrypted artifact at localPath to the archive
// bucket under resourceRef. The upload carries nothing beyond the
// envelope bytes themselves, which are already opaque.
func (mi *Mirror) MirrorFile(ctx context.Context, resourceRef, localPath string) error {
	start := time.Now()
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: statting %s: %w", localPath, err)
	}

	err = mi.client.PutObject(ctx, mi.bucket, mi.objectKey(resourceRef), f, info.Size())
	mi.record("PutObject", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("archive: mirroring %s: %w", resourceRef, err)
	}
	mi.logger.WithFields(logrus.Fields{"resource_ref": resourceRef, "bucket": mi.bucket}).Info("archive mirror: uploaded")
	return nil
}

// MirrorFileIfAbsent is MirrorFile behind an existence check, for
// reconcile sweeps that re-walk the whole catalog: an artifact the
// bucket already holds is skipped without re-reading it from disk.
func (mi *Mirror) MirrorFileIfAbsent(ctx context.Context, resourceRef, localPath string) error {
	exists, err := mi.client.ObjectExists(ctx, mi.bucket, mi.objectKey(resourceRef))
	if err != nil {
		return fmt.Errorf("archive: checking mirrored %s: %w", resourceRef, err)
	}
	if exists {
		return nil
	}
	return mi.MirrorFile(ctx, resourceRef, localPath)
}

// Fetch retrieves an archived artifact, used to restore a master whose
// local copy was lost. Callers are responsible for closing the returned
// reader.
func (mi *Mirror) Fetch(ctx context.Context, resourceRef string) (io.ReadCloser, error) {
	start := time.Now()
	body, err := mi.client.GetObject(ctx, mi.bucket, mi.objectKey(resourceRef))
	mi.record("GetObject", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("archive: fetching %s: %w", resourceRef, err)
	}
	return body, nil
}

// Delete removes the mirrored copy of resourceRef, used when a catalog
// entry is purged.
func (mi *Mirror) Delete(ctx context.Context, resourceRef string) error {
	start := time.Now()
	err := mi.client.DeleteObject(ctx, mi.bucket, mi.objectKey(resourceRef))
	mi.record("DeleteObject", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("archive: deleting mirrored %s: %w", resourceRef, err)
	}
	return nil
}

func (mi *Mirror) record(operation string, duration time.Duration, err error) {
	if mi.metrics == nil {
		return
	}
	mi.metrics.RecordArchiveOperation(context.Background(), operation, mi.bucket, duration)
	if err != nil {
		mi.metrics.RecordArchiveError(context.Background(), operation, mi.bucket, "error")
	}
}
