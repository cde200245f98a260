// Package materializer implements the Chapter Materializer: it takes
// an encrypted master recording and a chapter's time range, decrypts
// the master to a temp file, invokes the external transcoder to cut
// the range, re-encrypts the cut into its own envelope, and cleans up
// the decrypted intermediate regardless of outcome.
package materializer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/governor"
	"github.com/kenneth/audio-drm-gateway/internal/metrics"
	"github.com/kenneth/audio-drm-gateway/internal/tracing"
	"github.com/kenneth/audio-drm-gateway/internal/transcoder"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = tracing.Tracer("internal/materializer")

// Request describes one chapter to materialize. MasterKey is the
// Framing A key material (key id, version, wrapped key, iv) recorded
// against the parent AudioFile row, needed to decrypt the master
// before it can be cut.
type Request struct {
	MasterPath string
	MasterKey  *crypto.EnvelopeHeader
	ChapterRef string
	// OutputName is the base name for the on-disk artifacts
	// (`<name>.enc` under the chapter root, `temp_<name>.cut` in the
	// temp root). It carries the `chapter_<fid>_<cid>_<ts>` shape the
	// janitor recognizes; ChapterRef alone is used when empty.
	OutputName string
	Start      time.Duration
	Duration   time.Duration
	Container  string
}

func (r Request) outputBase() string {
	if r.OutputName != "" {
		return r.OutputName
	}
	return r.ChapterRef
}

// Result is the finalized, encrypted chapter artifact. Key material is
// Framing B: the segment is always produced by the chunked streaming
// encrypt path, so Manifest (not Tag) carries the authentication data
// the row must persist alongside Key/IV.
type Result struct {
	ChapterRef  string
	OutputPath  string
	PlainBytes  int64
	CipherBytes int64
	KeyID       string
	KeyVersion  int
	WrappedKey  []byte
	IV          string
	Manifest    string
}

// Materializer coordinates decrypt -> cut -> re-encrypt, gated by a
// Memory Governor so a burst of chapter requests doesn't push the
// process into OOM territory.
type Materializer struct {
	envelope    *crypto.Envelope
	transcoder  *transcoder.Transcoder
	gov         *governor.Governor
	chapterRoot string
	tempRoot    string
	logger      *logrus.Logger

	// MaxConcurrentChapters bounds in-flight materialization jobs once
	// the governor reports BandWarning.
	MaxConcurrentChapters int
	// ChunkSize bounds how much plaintext EncryptSegmentStreaming holds
	// in memory per chunk while producing a chapter segment.
	ChunkSize int

	// ProcessingTTL bounds the whole of Materialize/MaterializeChapters:
	// past it, the run is aborted even if individual transcodes are
	// still making progress, so one stuck run can't hold the memory
	// governor's concurrency slots forever.
	ProcessingTTL time.Duration

	// Metrics, when set, receives per-chapter outcomes and run
	// durations.
	Metrics *metrics.Metrics

	inFlight chan struct{} // semaphore sized MaxConcurrentChapters
}

// New builds a Materializer. chapterRoot is where finished encrypted
// chapters are written; tempRoot stages decrypted masters and cut
// segments before they're re-encrypted. processingTTL is the overall
// deadline applied to a single Materialize call or MaterializeChapters
// run; a non-positive value falls back to 300s.
func New(envelope *crypto.Envelope, tc *transcoder.Transcoder, gov *governor.Governor, chapterRoot, tempRoot string, maxConcurrent int, processingTTL time.Duration, logger *logrus.Logger) *Materializer {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if processingTTL <= 0 {
		processingTTL = 300 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Materializer{
		envelope:              envelope,
		transcoder:            tc,
		gov:                   gov,
		chapterRoot:           chapterRoot,
		tempRoot:              tempRoot,
		logger:                logger,
		MaxConcurrentChapters: maxConcurrent,
		ChunkSize:             crypto.DefaultChunkSize,
		ProcessingTTL:         processingTTL,
		inFlight:              make(chan struct{}, maxConcurrent),
	}
}

// Materialize runs the decrypt -> cut -> re-encrypt pipeline for one
// chapter request. It waits until the Memory Governor reports the safe
// or caution band and a concurrency slot is free, then refuses the work
// if the governor's Admit check fails.
func (m *Materializer) Materialize(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ProcessingTTL)
	defer cancel()

	if m.gov != nil {
		if err := m.gov.WaitForSafe(ctx, 2*time.Second, 30*time.Second); err != nil {
			return nil, fmt.Errorf("materializer: waiting for memory headroom: %w", err)
		}
	}

	select {
	case m.inFlight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.inFlight }()

	if m.gov != nil {
		admitted, band, err := m.gov.Admit(ctx, len(m.inFlight), m.MaxConcurrentChapters)
		if err != nil {
			return nil, fmt.Errorf("materializer: sampling memory: %w", err)
		}
		if !admitted {
			return nil, apierr.New(apierr.CodeMemoryPressure, fmt.Sprintf("refusing chapter work at memory band %s", band))
		}
	}

	if err := os.MkdirAll(m.tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("materializer: creating temp root: %w", err)
	}

	decryptedPath, err := m.decryptMasterToTemp(ctx, req.MasterPath, req.MasterKey)
	if err != nil {
		return nil, err
	}
	defer os.Remove(decryptedPath)

	cutPath := filepath.Join(m.tempRoot, "temp_"+req.outputBase()+".cut")
	defer os.Remove(cutPath)

	if err := m.transcoder.Cut(ctx, transcoder.Options{
		InputPath:  decryptedPath,
		OutputPath: cutPath,
		Start:      req.Start,
		Duration:   req.Duration,
		Container:  req.Container,
	}); err != nil {
		return nil, apierr.Wrap(apierr.CodeTranscodeFailed, "cutting chapter range", err)
	}

	if err := os.MkdirAll(m.chapterRoot, 0o755); err != nil {
		return nil, fmt.Errorf("materializer: creating chapter root: %w", err)
	}
	outputPath := filepath.Join(m.chapterRoot, req.outputBase()+".enc")

	result, err := m.encryptCutToChapter(ctx, cutPath, outputPath)
	if err != nil {
		return nil, err
	}
	result.ChapterRef = req.ChapterRef
	result.OutputPath = outputPath

	return result, nil
}

// ChapterFailure pairs a failed chapter's reference with the error
// that aborted it, so a batch run can report a mixed-result summary
// instead of failing the entire run for one bad chapter.
type ChapterFailure struct {
	ChapterRef string
	Err        error
}

// RunResult is the outcome of materializing every chapter of one
// master recording in a single run.
type RunResult struct {
	Ready    []Result
	Failures []ChapterFailure
}

// MaterializeChapters decrypts masterPath to a single shared temp file
// once, then cuts and re-encrypts every request in reqs, honoring
// order only in that results are never reshuffled relative to the
// input slice. Batch width is min(MaxConcurrentChapters, the
// governor's current verdict); between batches it asks the governor to
// settle back to a safe/caution band before continuing. A failure
// decrypting the master aborts the whole run (every request in reqs is
// left unprocessed); a failure cutting or re-encrypting one chapter is
// isolated to that chapter and the run continues.
func (m *Materializer) MaterializeChapters(ctx context.Context, masterPath string, masterKey *crypto.EnvelopeHeader, reqs []Request) (*RunResult, error) {
	runStart := time.Now()
	ctx, span := tracer.Start(ctx, "materializer.MaterializeChapters", trace.WithAttributes(
		attribute.String("master_path", masterPath),
		attribute.Int("chapter_count", len(reqs)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.ProcessingTTL)
	defer cancel()

	if err := os.MkdirAll(m.tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("materializer: creating temp root: %w", err)
	}
	if err := os.MkdirAll(m.chapterRoot, 0o755); err != nil {
		return nil, fmt.Errorf("materializer: creating chapter root: %w", err)
	}

	decryptedPath, err := m.decryptMasterToTemp(ctx, masterPath, masterKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrypting master aborted the run")
		return nil, err
	}
	defer os.Remove(decryptedPath)

	run := &RunResult{}

	for start := 0; start < len(reqs); {
		width := m.MaxConcurrentChapters
		if m.gov != nil {
			if err := m.gov.WaitForSafe(ctx, 2*time.Second, 30*time.Second); err != nil {
				span.RecordError(err)
				return run, fmt.Errorf("materializer: waiting for memory headroom: %w", err)
			}
			_, band, err := m.gov.Sample(ctx)
			if err != nil {
				span.RecordError(err)
				return run, fmt.Errorf("materializer: sampling memory: %w", err)
			}
			span.SetAttributes(attribute.String("governor_band", string(band)))
			if band == governor.BandWarning || band == governor.BandCaution {
				width = 1
			}
		}
		if width < 1 {
			width = 1
		}
		end := start + width
		if end > len(reqs) {
			end = len(reqs)
		}

		type outcome struct {
			idx    int
			result *Result
			err    error
		}
		outcomes := make(chan outcome, end-start)
		for i := start; i < end; i++ {
			go func(i int) {
				res, err := m.cutAndEncrypt(ctx, decryptedPath, reqs[i])
				outcomes <- outcome{idx: i, result: res, err: err}
			}(i)
		}

		batch := make([]outcome, 0, end-start)
		for range end - start {
			batch = append(batch, <-outcomes)
		}
		for _, o := range batch {
			if o.err != nil {
				m.logger.WithError(o.err).WithField("chapter_ref", reqs[o.idx].ChapterRef).Warn("materializer: chapter failed, isolating and continuing")
				run.Failures = append(run.Failures, ChapterFailure{ChapterRef: reqs[o.idx].ChapterRef, Err: o.err})
				if m.Metrics != nil {
					m.Metrics.RecordChapterMaterialized("failed")
				}
				continue
			}
			run.Ready = append(run.Ready, *o.result)
			if m.Metrics != nil {
				m.Metrics.RecordChapterMaterialized("ready")
			}
		}

		start = end
		if start < len(reqs) && m.gov != nil {
			// A batch's worth of cut buffers and transcoder pipes has
			// just gone out of scope; collecting here means the next
			// WaitForSafe samples reclaimable memory, not garbage.
			m.gov.HintGC()
		}
	}

	if m.Metrics != nil {
		m.Metrics.RecordMaterializationRun(time.Since(runStart))
	}
	return run, nil
}

// cutAndEncrypt runs steps 2-3 of the materialization pipeline
// (cut, then re-encrypt) against an already-decrypted master,
// acquiring the concurrency semaphore and memory admission check the
// same way the single-chapter Materialize entry point does.
func (m *Materializer) cutAndEncrypt(ctx context.Context, decryptedPath string, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "materializer.cutAndEncrypt", trace.WithAttributes(
		attribute.String("chapter_ref", req.ChapterRef),
	))
	defer span.End()

	result, err := m.doCutAndEncrypt(ctx, decryptedPath, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chapter isolated as failed")
	}
	return result, err
}

func (m *Materializer) doCutAndEncrypt(ctx context.Context, decryptedPath string, req Request) (*Result, error) {
	select {
	case m.inFlight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.inFlight }()

	if m.gov != nil {
		admitted, band, err := m.gov.Admit(ctx, len(m.inFlight), m.MaxConcurrentChapters)
		if err != nil {
			return nil, fmt.Errorf("materializer: sampling memory: %w", err)
		}
		if !admitted {
			return nil, apierr.New(apierr.CodeMemoryPressure, fmt.Sprintf("refusing chapter work at memory band %s", band))
		}
	}

	cutPath := filepath.Join(m.tempRoot, "temp_"+req.outputBase()+".cut")
	defer os.Remove(cutPath)

	if err := m.transcoder.Cut(ctx, transcoder.Options{
		InputPath:  decryptedPath,
		OutputPath: cutPath,
		Start:      req.Start,
		Duration:   req.Duration,
		Container:  req.Container,
	}); err != nil {
		return nil, apierr.Wrap(apierr.CodeTranscodeFailed, "cutting chapter range", err)
	}

	outputPath := filepath.Join(m.chapterRoot, req.outputBase()+".enc")
	result, err := m.encryptCutToChapter(ctx, cutPath, outputPath)
	if err != nil {
		return nil, err
	}
	result.ChapterRef = req.ChapterRef
	result.OutputPath = outputPath

	return result, nil
}

func (m *Materializer) decryptMasterToTemp(ctx context.Context, masterPath string, masterKey *crypto.EnvelopeHeader) (string, error) {
	src, err := os.Open(masterPath)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeNotFound, "opening master recording", err)
	}
	defer src.Close()

	plaintext, err := m.envelope.DecryptStream(ctx, src, masterKey)
	if err != nil {
		return "", fmt.Errorf("materializer: decrypting master: %w", err)
	}
	defer plaintext.Close()

	dst, err := os.CreateTemp(m.tempRoot, "master-*.dec")
	if err != nil {
		return "", fmt.Errorf("materializer: creating decrypted temp file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, plaintext); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("materializer: writing decrypted master: %w", err)
	}

	return dst.Name(), nil
}

// encryptCutToChapter always uses the chunked streaming envelope
// (Framing B): a chapter segment can be arbitrarily large and this is
// the variant whose memory use is bounded by a fixed number of
// m.ChunkSize-byte chunks rather than by the segment length.
func (m *Materializer) encryptCutToChapter(ctx context.Context, cutPath, outputPath string) (*Result, error) {
	src, err := os.Open(cutPath)
	if err != nil {
		return nil, fmt.Errorf("materializer: opening cut segment: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("materializer: statting cut segment: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("materializer: creating chapter output: %w", err)
	}
	defer out.Close()

	header, err := m.envelope.EncryptSegmentStreaming(ctx, out, src, m.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("materializer: encrypting chapter: %w", err)
	}

	cipherInfo, err := out.Stat()
	if err != nil {
		return nil, fmt.Errorf("materializer: statting chapter output: %w", err)
	}
	return &Result{
		PlainBytes:  info.Size(),
		CipherBytes: cipherInfo.Size(),
		KeyID:       header.KeyID,
		KeyVersion:  header.KeyVersion,
		WrappedKey:  header.WrappedKey,
		IV:          hex.EncodeToString(header.IV),
		Manifest:    header.Manifest,
	}, nil
}
