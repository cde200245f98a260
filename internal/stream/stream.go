// Package stream implements the Stream Server's storage-facing half:
// decrypting a master or chapter ciphertext and piping the plaintext
// to an HTTP response, with an optional transcoder-assisted cut for a
// mid-track slice of a master recording. Signature, ticket, and
// authorization checks happen one layer up in internal/api, before
// any of this package's methods are reached.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/metrics"
	"github.com/kenneth/audio-drm-gateway/internal/tracing"
	"github.com/kenneth/audio-drm-gateway/internal/transcoder"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = tracing.Tracer("internal/stream")

// Server serves decrypted bytes for a single request, choosing between
// a direct pipe and a transcoder-assisted cut depending on whether the
// request asks for the whole artifact or a sub-range of a master.
type Server struct {
	envelope   *crypto.Envelope
	transcoder *transcoder.Transcoder
	tempRoot   string
	logger     *logrus.Logger

	// Metrics, when set, counts decrypted bytes served per kind.
	Metrics *metrics.Metrics

	// ChapterStreamThreshold splits ServeChapter between its two
	// decrypt strategies: at or above it the on-disk ciphertext is
	// decrypted incrementally straight to the response; below it the
	// whole ciphertext is pulled into memory first, so the disk read
	// isn't held open for the duration of a slow client. Zero means
	// always stream from disk.
	ChapterStreamThreshold int64
}

// New builds a Server. tempRoot stages decrypted masters that need a
// transcoder cut before they can be streamed as a sub-range.
func New(envelope *crypto.Envelope, tc *transcoder.Transcoder, tempRoot string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{envelope: envelope, transcoder: tc, tempRoot: tempRoot, logger: logger}
}

// ServeChapter decrypts the already-materialized chapter ciphertext at
// path and copies the plaintext to w. Chapters are cut to their final
// range at materialization time, so no further slicing happens here.
func (s *Server) ServeChapter(ctx context.Context, w http.ResponseWriter, path, contentType string, key *crypto.EnvelopeHeader) error {
	ctx, span := tracer.Start(ctx, "stream.ServeChapter", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	src, err := s.openChapterCiphertext(path)
	if err != nil {
		err = apierr.Wrap(apierr.CodeNotFound, "opening chapter ciphertext", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "chapter ciphertext unavailable")
		return err
	}
	defer src.Close()

	plaintext, err := s.envelope.DecryptSegmentStreaming(ctx, src, key)
	if err != nil {
		err = fmt.Errorf("stream: decrypting chapter: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrypt failed")
		return err
	}
	defer plaintext.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)

	decryptStart := time.Now()
	n, err := io.Copy(w, plaintext)
	s.countStreamed("chapter", n)
	s.recordDecrypt(ctx, time.Since(decryptStart), n, key)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ServeMaster decrypts the master ciphertext at path and copies either
// the whole plaintext (startSec < 0 and endSec < 0, the "-1" sentinel
// for "no range requested") or, for a genuine sub-range, decrypts to a
// temp file and asks the transcoder to cut it before streaming the
// result, the same file-to-file discipline the Chapter Materializer
// uses to avoid buffering a master-sized file in memory.
func (s *Server) ServeMaster(ctx context.Context, w http.ResponseWriter, path, contentType string, startSec, endSec float64, key *crypto.EnvelopeHeader) error {
	ctx, span := tracer.Start(ctx, "stream.ServeMaster", trace.WithAttributes(
		attribute.String("path", path),
		attribute.Float64("start_sec", startSec),
		attribute.Float64("end_sec", endSec),
	))
	defer span.End()

	var err error
	if startSec < 0 && endSec < 0 {
		err = s.streamWholeMaster(ctx, w, path, contentType, key)
	} else {
		err = s.streamMasterRange(ctx, w, path, contentType, startSec, endSec, key)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "master stream failed")
	}
	return err
}

func (s *Server) streamWholeMaster(ctx context.Context, w http.ResponseWriter, path, contentType string, key *crypto.EnvelopeHeader) error {
	src, err := os.Open(path)
	if err != nil {
		return apierr.Wrap(apierr.CodeNotFound, "opening master ciphertext", err)
	}
	defer src.Close()

	plaintext, err := s.envelope.DecryptStream(ctx, src, key)
	if err != nil {
		return fmt.Errorf("stream: decrypting master: %w", err)
	}
	defer plaintext.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)

	decryptStart := time.Now()
	n, err := io.Copy(w, plaintext)
	s.countStreamed("master", n)
	s.recordDecrypt(ctx, time.Since(decryptStart), n, key)
	return err
}

func (s *Server) streamMasterRange(ctx context.Context, w http.ResponseWriter, path, contentType string, startSec, endSec float64, key *crypto.EnvelopeHeader) error {
	if err := os.MkdirAll(s.tempRoot, 0o755); err != nil {
		return fmt.Errorf("stream: creating temp root: %w", err)
	}

	decryptedPath, err := s.decryptToTemp(ctx, path, key)
	if err != nil {
		return err
	}
	defer os.Remove(decryptedPath)

	cutPath := filepath.Join(s.tempRoot, "seek-"+uuid.NewString()+".cut")
	defer os.Remove(cutPath)

	start := time.Duration(startSec * float64(time.Second))
	var duration time.Duration
	if endSec > startSec {
		duration = time.Duration((endSec - startSec) * float64(time.Second))
	}

	if err := s.transcoder.Cut(ctx, transcoder.Options{
		InputPath:  decryptedPath,
		OutputPath: cutPath,
		Start:      start,
		Duration:   duration,
	}); err != nil {
		return apierr.Wrap(apierr.CodeTranscodeFailed, "cutting requested range", err)
	}

	cut, err := os.Open(cutPath)
	if err != nil {
		return fmt.Errorf("stream: opening cut segment: %w", err)
	}
	defer cut.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, cut)
	s.countStreamed("master", n)
	return err
}

// openChapterCiphertext picks the read strategy for a chapter: small
// segments are slurped into memory, large ones are read from disk as
// the decryptor consumes them.
func (s *Server) openChapterCiphertext(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if s.ChapterStreamThreshold <= 0 {
		return f, nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() >= s.ChapterStreamThreshold {
		return f, nil
	}

	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Server) countStreamed(kind string, n int64) {
	if s.Metrics != nil && n > 0 {
		s.Metrics.RecordStreamedBytes(kind, n)
	}
}

// recordDecrypt publishes one decrypt's duration and volume, and
// flags reads of artifacts still sealed under a rotated-out wrapping
// key version.
func (s *Server) recordDecrypt(ctx context.Context, d time.Duration, n int64, key *crypto.EnvelopeHeader) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RecordEncryptionOperation(ctx, "decrypt", d, n)
	if active, err := s.envelope.ActiveKeyVersion(ctx); err == nil && key.KeyVersion != active {
		s.Metrics.RecordRotatedRead(ctx, key.KeyVersion, active)
	}
}

func (s *Server) decryptToTemp(ctx context.Context, path string, key *crypto.EnvelopeHeader) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeNotFound, "opening master ciphertext", err)
	}
	defer src.Close()

	plaintext, err := s.envelope.DecryptStream(ctx, src, key)
	if err != nil {
		return "", fmt.Errorf("stream: decrypting master: %w", err)
	}
	defer plaintext.Close()

	dst, err := os.CreateTemp(s.tempRoot, "seek-dec-*.tmp")
	if err != nil {
		return "", fmt.Errorf("stream: creating decrypted temp file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, plaintext); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("stream: writing decrypted master: %w", err)
	}

	return dst.Name(), nil
}
