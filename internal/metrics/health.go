package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// CheckFunc probes one dependency (database, KMS) for readiness.
type CheckFunc func(ctx context.Context) error

// HealthStatus is the JSON body every probe endpoint returns.
type HealthStatus struct {
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion records the build version reported by the probes.
func SetVersion(v string) {
	version = v
}

func writeStatus(w http.ResponseWriter, httpStatus int, s HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(s)
}

func baseStatus(status string) HealthStatus {
	return HealthStatus{
		Status:        status,
		Timestamp:     time.Now(),
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
	}
}

// LivenessHandler answers whether the process is running at all; it
// never consults dependencies, so a wedged database doesn't get the
// pod restarted.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, baseStatus("alive"))
	}
}

// HealthHandler is the coarse external probe: alive, with version and
// uptime, no dependency fan-out.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, baseStatus("healthy"))
	}
}

// ReadinessHandler runs every named check and reports per-check
// outcomes; any failure flips the whole response to 503 so the load
// balancer stops routing streams at a server that can't serve them.
func ReadinessHandler(checks map[string]CheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := baseStatus("ready")
		status.Checks = make(map[string]string, len(checks))

		httpStatus := http.StatusOK
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(r.Context()); err != nil {
				status.Status = "not_ready"
				status.Checks[name] = err.Error()
				httpStatus = http.StatusServiceUnavailable
				continue
			}
			status.Checks[name] = "ok"
		}
		writeStatus(w, httpStatus, status)
	}
}
