// Package governor implements the Memory Governor: an advisory
// back-pressure gate that bands the process's resident set size into
// safe/caution/warning/critical zones and lets the chapter
// materializer decide whether to start new work, throttle, or refuse.
package governor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// Band names the zone the current RSS sample falls into.
type Band string

const (
	BandSafe     Band = "safe"
	BandCaution  Band = "caution"
	BandWarning  Band = "warning"
	BandCritical Band = "critical"
)

// Thresholds are the RSS byte boundaries between bands. A sample at or
// above Critical refuses new work outright; Warning throttles
// concurrency; Caution is advisory only.
type Thresholds struct {
	Caution  int64
	Warning  int64
	Critical int64
}

// Governor samples the current process's RSS on demand and classifies
// it against Thresholds.
type Governor struct {
	thresholds Thresholds
	proc       *process.Process
	logger     *logrus.Logger
	observer   func(rssBytes int64, band Band)
}

// SetObserver installs a callback invoked on every Sample with the
// reading and its band, used to publish the gauge to metrics. Must be
// called before the governor is shared across goroutines.
func (g *Governor) SetObserver(fn func(rssBytes int64, band Band)) {
	g.observer = fn
}

// New builds a Governor watching the current process.
func New(thresholds Thresholds, logger *logrus.Logger) (*Governor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("governor: inspecting current process: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Governor{thresholds: thresholds, proc: proc, logger: logger}, nil
}

// Sample reads current RSS and classifies it.
func (g *Governor) Sample(ctx context.Context) (rssBytes int64, band Band, err error) {
	info, err := g.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("governor: reading memory info: %w", err)
	}
	rss := int64(info.RSS)
	band = g.classify(rss)
	if g.observer != nil {
		g.observer(rss, band)
	}
	return rss, band, nil
}

// HintGC nudges the runtime to collect and return freed pages to the
// OS. The materializer calls it between batches so the next Sample
// reflects reclaimable memory instead of garbage the collector hasn't
// gotten to yet.
func (g *Governor) HintGC() {
	runtime.GC()
	debug.FreeOSMemory()
}

func (g *Governor) classify(rss int64) Band {
	switch {
	case rss >= g.thresholds.Critical:
		return BandCritical
	case rss >= g.thresholds.Warning:
		return BandWarning
	case rss >= g.thresholds.Caution:
		return BandCaution
	default:
		return BandSafe
	}
}

// Admit reports whether a new unit of chapter-materialization work may
// start right now. BandCritical always refuses; BandWarning admits
// only if the caller passes a lower inFlight count than the governor's
// configured ceiling for that band.
func (g *Governor) Admit(ctx context.Context, inFlight, maxWarningConcurrency int) (bool, Band, error) {
	_, band, err := g.Sample(ctx)
	if err != nil {
		return false, "", err
	}

	switch band {
	case BandCritical:
		return false, band, nil
	case BandWarning:
		return inFlight < maxWarningConcurrency, band, nil
	default:
		return true, band, nil
	}
}

// ErrWaitForSafeTimeout is returned when the band hasn't recovered to
// Safe or Caution within the timeout passed to WaitForSafe.
var ErrWaitForSafeTimeout = fmt.Errorf("governor: timed out waiting for memory to recover")

// WaitForSafe polls every pollInterval until the sampled band drops to
// Safe or Caution, context cancellation, or timeout elapses, whichever
// comes first. A non-positive timeout falls back to a 30s cap, the
// bound between batches the materializer applies by default. It is
// used by the materializer to pause before starting a batch rather
// than refuse it outright when memory is merely elevated.
func (g *Governor) WaitForSafe(ctx context.Context, pollInterval, timeout time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		_, band, err := g.Sample(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrWaitForSafeTimeout
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if band == BandSafe || band == BandCaution {
			return nil
		}

		g.logger.WithField("band", band).Debug("governor: waiting for memory to recover")

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrWaitForSafeTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
