package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/health", "/health"},
		{"/files/abc123", "/files/*"},
		{"/files/abc123/chapters/1", "/files/*"},
		{"/files", "/files"}, // Edge case: treated as segment, maybe should be /files? Code says: if len(segs) <= 1 return / + segs[0]
		{"/files?query=param", "/files"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizePathLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Record requests with high cardinality paths
	m.RecordHTTPRequest(context.Background(), "GET", "/files/file1", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/files/file2", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/chapters/chap1", http.StatusOK, time.Millisecond, 100)

	// Check that we have collapsed paths
	// We expect /files/* and /chapters/*

	// Verify /files/* count is 2
	countFiles := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/files/*", "OK"))
	assert.Equal(t, 2.0, countFiles)

	// Verify /chapters/* count is 1
	countChapters := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/chapters/*", "OK"))
	assert.Equal(t, 1.0, countChapters)
}

func TestRecordArchiveOperation_DisableBackendLabel(t *testing.T) {
	// Create metrics with backend label disabled
	reg := prometheus.NewRegistry()
	cfg := Config{EnableBackendLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordArchiveOperation(context.Background(), "PutObject", "wasabi", time.Millisecond)
	m.RecordArchiveOperation(context.Background(), "PutObject", "minio", time.Millisecond)

	// Should align to backend="*"
	count := testutil.ToFloat64(m.archiveOperationsTotal.WithLabelValues("PutObject", "*"))
	assert.Equal(t, 2.0, count)

	// Verify that specific backends are NOT tracked
	// Note: testutil.ToFloat64 panics or returns 0 if label values don't match existing metric.
	// However, since we didn't record them, we can't easily check for "absence" with ToFloat64
	// without knowing if it returns 0 for non-existent label set or if it errors.
	// But checking the aggregate "*" is sufficient to prove logic path was taken.
}

func TestRecordArchiveError_DisableBackendLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableBackendLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordArchiveError(context.Background(), "GetObject", "wasabi", "NoSuchKey")
	m.RecordArchiveError(context.Background(), "GetObject", "minio", "NoSuchKey")

	count := testutil.ToFloat64(m.archiveOperationErrors.WithLabelValues("GetObject", "*", "NoSuchKey"))
	assert.Equal(t, 2.0, count)
}

