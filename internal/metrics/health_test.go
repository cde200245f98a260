package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	HealthHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", w.Header().Get("Content-Type"))
	}

	var status HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status = %q", status.Status)
	}
}

func TestReadinessHandler(t *testing.T) {
	t.Run("no checks", func(t *testing.T) {
		w := httptest.NewRecorder()
		ReadinessHandler(nil)(w, httptest.NewRequest("GET", "/ready", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("all checks pass", func(t *testing.T) {
		checks := map[string]CheckFunc{
			"database": func(ctx context.Context) error { return nil },
			"kms":      func(ctx context.Context) error { return nil },
		}
		w := httptest.NewRecorder()
		ReadinessHandler(checks)(w, httptest.NewRequest("GET", "/ready", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var status HealthStatus
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			t.Fatal(err)
		}
		if status.Checks["database"] != "ok" || status.Checks["kms"] != "ok" {
			t.Errorf("checks = %v", status.Checks)
		}
	})

	t.Run("one check fails", func(t *testing.T) {
		checks := map[string]CheckFunc{
			"database": func(ctx context.Context) error { return nil },
			"kms":      func(ctx context.Context) error { return fmt.Errorf("kmip endpoint unreachable") },
		}
		w := httptest.NewRecorder()
		ReadinessHandler(checks)(w, httptest.NewRequest("GET", "/ready", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}

		var status HealthStatus
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			t.Fatal(err)
		}
		if status.Status != "not_ready" {
			t.Errorf("status = %q", status.Status)
		}
		if status.Checks["database"] != "ok" {
			t.Errorf("database check = %q", status.Checks["database"])
		}
		if status.Checks["kms"] == "ok" {
			t.Error("kms check should report its error")
		}
	})
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}
