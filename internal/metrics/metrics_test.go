package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Use a custom registry to avoid duplicate registration issues in tests
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.httpRequestsTotal == nil {
		t.Error("httpRequestsTotal is nil")
	}
	if m.archiveOperationsTotal == nil {
		t.Error("archiveOperationsTotal is nil")
	}
	if m.chaptersMaterialized == nil {
		t.Error("chaptersMaterialized is nil")
	}
	if m.governorBand == nil {
		t.Error("governorBand is nil")
	}
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})

	m.RecordHTTPRequest(context.Background(), "GET", "/test", http.StatusOK, 100*time.Millisecond, 1024)
}

func TestMetrics_RecordArchiveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})

	m.RecordArchiveOperation(context.Background(), "PutObject", "wasabi", 50*time.Millisecond)
	m.RecordArchiveError(context.Background(), "GetObject", "wasabi", "NoSuchKey")
}

func TestMetrics_RecordGovernorSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})

	m.RecordGovernorSample(1_300_000_000, "caution")

	if got := testutil.ToFloat64(m.governorRSSBytes); got != 1_300_000_000 {
		t.Errorf("governorRSSBytes = %v", got)
	}
	if got := testutil.ToFloat64(m.governorBand.WithLabelValues("caution")); got != 1 {
		t.Errorf("caution indicator = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.governorBand.WithLabelValues("safe")); got != 0 {
		t.Errorf("safe indicator = %v, want 0", got)
	}

	// A later sample in a different band flips the indicators.
	m.RecordGovernorSample(900_000_000, "safe")
	if got := testutil.ToFloat64(m.governorBand.WithLabelValues("caution")); got != 0 {
		t.Errorf("caution indicator after recovery = %v, want 0", got)
	}
}

func TestMetrics_RecordChapterMaterialized(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})

	m.RecordChapterMaterialized("ready")
	m.RecordChapterMaterialized("ready")
	m.RecordChapterMaterialized("failed")

	if got := testutil.ToFloat64(m.chaptersMaterialized.WithLabelValues("ready")); got != 2 {
		t.Errorf("ready count = %v", got)
	}
	if got := testutil.ToFloat64(m.chaptersMaterialized.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed count = %v", got)
	}
}

func TestMetrics_RecordStreamedBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})

	m.RecordStreamedBytes("master", 1024)
	m.RecordStreamedBytes("master", 512)
	m.RecordStreamedBytes("chapter", 64)

	if got := testutil.ToFloat64(m.streamedBytes.WithLabelValues("master")); got != 1536 {
		t.Errorf("master bytes = %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})

	m.RecordHTTPRequest(context.Background(), "GET", "/test", http.StatusOK, 100*time.Millisecond, 1024)
	m.RecordArchiveOperation(context.Background(), "PutObject", "wasabi", 50*time.Millisecond)
	m.RecordChapterMaterialized("ready")

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	body := w.Body.String()
	for _, metric := range []string{
		"http_requests_total",
		"archive_operations_total",
		"chapters_materialized_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metrics output to contain %q", metric)
		}
	}
}
