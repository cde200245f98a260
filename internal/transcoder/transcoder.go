// Package transcoder wraps an external ffmpeg-compatible binary used
// to cut a chapter's byte range out of a decrypted master recording
// without the gateway ever implementing container/codec parsing
// itself.
package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures a single cut invocation.
type Options struct {
	InputPath  string
	OutputPath string
	Start      time.Duration
	Duration   time.Duration // zero means "to end of input"
	Container  string        // e.g. "mp3", "m4a", "ogg"
}

// Transcoder shells out to an ffmpeg-compatible binary to cut chapter
// ranges. It never re-encodes audio (always "-c copy"), matching the
// gateway's invariant that materialization only repackages, it never
// transcodes bitrate or format.
type Transcoder struct {
	binary       string
	timeout      time.Duration
	killGrace    time.Duration
	logger       *logrus.Logger
}

// New builds a Transcoder invoking binary (typically "ffmpeg" resolved
// from PATH) with the given hard timeout. killGrace bounds how long a
// cancelled process is given to exit before being sent SIGKILL.
func New(binary string, timeout, killGrace time.Duration, logger *logrus.Logger) *Transcoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Transcoder{binary: binary, timeout: timeout, killGrace: killGrace, logger: logger}
}

// Cut runs the external process to produce opts.OutputPath from
// opts.InputPath, cancelling and then force-killing it if it runs
// longer than the configured timeout.
func (t *Transcoder) Cut(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{"-y", "-i", opts.InputPath, "-ss", formatDuration(opts.Start)}
	if opts.Duration > 0 {
		args = append(args, "-t", formatDuration(opts.Duration))
	}
	args = append(args, "-c", "copy")
	if opts.Container != "" {
		args = append(args, "-f", opts.Container)
	}
	args = append(args, opts.OutputPath)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = t.killGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.logger.WithFields(logrus.Fields{
		"input":  opts.InputPath,
		"output": opts.OutputPath,
		"start":  opts.Start,
	}).Debug("transcoder: starting cut")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcoder: cut failed: %w: %s", err, stderr.String())
	}
	return nil
}

// Probe shells out to an ffprobe-compatible binary to read an input's
// duration, used by the Ingest Assembler to populate
// AudioFile.DurationSeconds from the assembled plaintext before the
// master is encrypted. A probe failure is never fatal to the
// caller; it simply means the duration is recorded as zero.
func (t *Transcoder) Probe(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	probeBinary := "ffprobe"
	if t.binary != "" && t.binary != "ffmpeg" {
		// Honor an operator-configured non-default ffmpeg binary name by
		// deriving the sibling probe binary from it (e.g. a versioned
		// install directory holding both tools side by side).
		probeBinary = strings.Replace(t.binary, "ffmpeg", "ffprobe", 1)
	}

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, probeBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("transcoder: probe failed: %w: %s", err, stderr.String())
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("transcoder: parsing probe output %q: %w", stdout.String(), err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

func formatDuration(d time.Duration) string {
	total := d.Seconds()
	hours := int(total) / 3600
	minutes := (int(total) % 3600) / 60
	seconds := total - float64(hours*3600+minutes*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", hours, minutes, seconds)
}
