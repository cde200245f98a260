// Package debug is the gateway's debug-mode switch: a process-wide
// flag flipped from the environment, plus the pprof mount that only
// exists while the flag is on.
package debug

import (
	"net/http"
	"net/http/pprof"
	"os"
	"sync"

	"github.com/gorilla/mux"
)

var (
	mu      sync.RWMutex
	enabled bool
)

func init() {
	InitFromEnv()
}

// Enabled reports whether debug mode is on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled flips debug mode, overriding whatever the environment
// said at startup.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv reads DEBUG=true or LOG_LEVEL=debug. Tests that import
// a package transitively get the same behavior as the server binary.
func InitFromEnv() {
	SetEnabled(os.Getenv("DEBUG") == "true" || os.Getenv("LOG_LEVEL") == "debug")
}

// InitFromLogLevel applies a config-file log level, deferring to the
// environment when either variable was set explicitly.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}

// AttachProfiler mounts the pprof handlers under /debug/pprof/. Call
// it only when Enabled(): the profiler exposes heap contents, which
// on this server includes decrypted audio buffers.
func AttachProfiler(r *mux.Router) {
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").Handler(http.HandlerFunc(pprof.Index))
}
