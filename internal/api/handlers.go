// Package api is the HTTP-facing half of the gateway: it validates
// bearer tokens, signed-URL tickets, and authorization before handing
// off to internal/ingest, internal/materializer, and internal/stream,
// and shapes every response into the wire contract external clients
// depend on.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/archive"
	"github.com/kenneth/audio-drm-gateway/internal/audit"
	"github.com/kenneth/audio-drm-gateway/internal/chunkstore"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/ingest"
	"github.com/kenneth/audio-drm-gateway/internal/materializer"
	"github.com/kenneth/audio-drm-gateway/internal/metrics"
	"github.com/kenneth/audio-drm-gateway/internal/middleware"
	"github.com/kenneth/audio-drm-gateway/internal/ratelimit"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
	"github.com/kenneth/audio-drm-gateway/internal/signedurl"
	"github.com/kenneth/audio-drm-gateway/internal/stream"
	"github.com/sirupsen/logrus"
)

// Handlers wires every HTTP endpoint to the components that do the
// real work.
type Handlers struct {
	repo         repository.Repository
	chunks       *chunkstore.Store
	assembler    *ingest.Assembler
	materializer *materializer.Materializer
	streamer     *stream.Server
	urlCodec     *signedurl.Codec
	sessionCodec *crypto.SessionTokenCodec
	jwt          *middleware.JWTManager
	limiter      *ratelimit.Limiter // nil disables rate limiting
	mirror       *archive.Mirror    // nil disables the archive mirror
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	audit        audit.Logger

	signedURLTTL      time.Duration
	chunkBytes        int64
	chunkBytesHardCap int64
	maxFileBytes      int64
	asyncFinalize     bool
}

// Config bundles the dependencies RegisterRoutes needs, grouped so
// adding a new collaborator doesn't ripple through every call site.
type Config struct {
	Repo         repository.Repository
	Chunks       *chunkstore.Store
	Assembler    *ingest.Assembler
	Materializer *materializer.Materializer
	Streamer     *stream.Server
	URLCodec     *signedurl.Codec
	SessionCodec *crypto.SessionTokenCodec
	JWT          *middleware.JWTManager
	Limiter      *ratelimit.Limiter
	Mirror       *archive.Mirror
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Audit        audit.Logger

	SignedURLTTL      time.Duration
	ChunkBytes        int64
	ChunkBytesHardCap int64
	MaxFileBytes      int64
	AsyncFinalize     bool
}

// New builds a Handlers from cfg, applying the same defaults the rest
// of the gateway uses when a caller leaves a duration or size unset.
func New(cfg Config) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	chunkBytes := cfg.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 5 << 20
	}
	hardCap := cfg.ChunkBytesHardCap
	if hardCap <= 0 {
		hardCap = 6 << 20
	}
	maxFile := cfg.MaxFileBytes
	if maxFile <= 0 {
		maxFile = 2 << 30
	}

	return &Handlers{
		repo:              cfg.Repo,
		chunks:            cfg.Chunks,
		assembler:         cfg.Assembler,
		materializer:      cfg.Materializer,
		streamer:          cfg.Streamer,
		urlCodec:          cfg.URLCodec,
		sessionCodec:      cfg.SessionCodec,
		jwt:               cfg.JWT,
		limiter:           cfg.Limiter,
		mirror:            cfg.Mirror,
		logger:            logger,
		metrics:           cfg.Metrics,
		audit:             cfg.Audit,
		signedURLTTL:      ttl,
		chunkBytes:        chunkBytes,
		chunkBytesHardCap: hardCap,
		maxFileBytes:      maxFile,
		asyncFinalize:     cfg.AsyncFinalize,
	}
}

// RegisterRoutes attaches every endpoint from the external interface
// to r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/audio/upload/init", h.handleUploadInit).Methods(http.MethodPost)
	r.HandleFunc("/audio/upload/chunk", h.handleUploadChunk).Methods(http.MethodPost)
	r.HandleFunc("/audio/upload/status/{uploadId}", h.handleUploadStatus).Methods(http.MethodGet)
	r.HandleFunc("/audio/upload/finalize/{uploadId}", h.handleUploadFinalize).Methods(http.MethodPost)
	r.HandleFunc("/audio/upload/cancel/{uploadId}", h.handleUploadCancel).Methods(http.MethodDelete)

	r.HandleFunc("/files/{id}/chapters", h.handleListChapters).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}/chapters", h.handleCreateChapters).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}/chapters", h.handleDeleteChapters).Methods(http.MethodDelete)
	r.HandleFunc("/files/{id}/chapters/finalize", h.handleFinalizeChapters).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}/chapters/{cid}/stream-url", h.handleChapterStreamURL).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}/chapters/{cid}/stream", h.handleChapterStream).Methods(http.MethodGet)

	r.HandleFunc("/drm/audio/{id}/stream-signed", h.handleMasterStreamSigned).Methods(http.MethodGet)
}

func (h *Handlers) recordRequest(r *http.Request, status int, start time.Time, bytes int64) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start), bytes)
}

// writeJSON marshals v as the response body with the given status,
// recording the request outcome in metrics before returning.
func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, start time.Time, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("api: marshaling response")
		h.recordRequest(r, status, start, 0)
		return
	}
	n, _ := w.Write(body)
	h.recordRequest(r, status, start, int64(n))
}

// writeError maps err onto the gateway's error taxonomy (falling back
// to CodeInternal for anything that doesn't already carry an
// apierr.Error) and writes a JSON error body.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	code := apierr.CodeInternal
	message := "internal error"
	if apiErr, ok := apierr.As(err); ok {
		code = apiErr.Code
		message = apiErr.Message
	}
	status := apierr.HTTPStatus(code)

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("api: request failed")
	} else {
		h.logger.WithError(err).WithField("code", code).Debug("api: request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		// Memory pressure, transcoder saturation, and the like are
		// transient; tell well-behaved clients when to come back.
		w.Header().Set("Retry-After", "30")
	}
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]string{"error": string(code), "message": message})
	n, _ := w.Write(body)
	h.recordRequest(r, status, start, int64(n))
}

// clientIP returns the X-Forwarded-For header verbatim when it is set,
// otherwise the request's remote address stripped of its port: the
// same binding signed URLs and rate limiting key off of.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		return host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// requirePrincipal extracts the authenticated principal from ctx,
// responding with CodeUnauthorized if none is attached.
func requirePrincipal(ctx context.Context) (*middleware.Claims, error) {
	claims, ok := middleware.Principal(ctx)
	if !ok {
		return nil, apierr.New(apierr.CodeUnauthorized, "bearer token required")
	}
	return claims, nil
}

// requirePrincipalOptional is requirePrincipal without the error: call
// sites that only want to attribute ownership when a bearer token
// happens to be present (anonymous uploads are allowed) use this
// instead of threading an ignorable error around.
func requirePrincipalOptional(ctx context.Context) (*middleware.Claims, bool) {
	return middleware.Principal(ctx)
}

// withBackgroundTimeout builds a context detached from any in-flight
// request, for work that must outlive the handler that started it
// (archive mirroring) but still needs a bound on how long it runs.
func withBackgroundTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// authorizeAccess enforces the Stream Server's access rule: admins and
// owners bypass, everyone else needs an unexpired FileAccess grant or
// the file must be public.
func authorizeAccess(ctx context.Context, repo repository.Repository, resourceRef string, isPublic bool) error {
	claims, ok := middleware.Principal(ctx)
	if !ok {
		if isPublic {
			return nil
		}
		return apierr.New(apierr.CodeUnauthorized, "bearer token required")
	}
	if claims.Role == middleware.RoleAdmin || claims.Role == middleware.RoleOwner {
		return nil
	}
	// A token minted before a role change may lag the catalog; the
	// repository's admin flag is authoritative.
	if isAdmin, err := repo.IsAdmin(ctx, claims.PrincipalID); err == nil && isAdmin {
		return nil
	}
	if isPublic {
		return nil
	}
	access, err := repo.GetAccess(ctx, resourceRef, claims.PrincipalID)
	if err != nil {
		return apierr.New(apierr.CodeForbidden, "no access grant for this resource")
	}
	if !access.Unexpired(time.Now()) {
		return apierr.New(apierr.CodeForbidden, "access grant expired")
	}
	return nil
}

func newID() string { return uuid.NewString() }

// checkRateLimit enforces the Redis-backed request budget, guarding
// the upload and chapter-materialization endpoints the ratelimit
// package's doc comment describes. A nil limiter (rate limiting
// disabled in config) always allows.
func (h *Handlers) checkRateLimit(r *http.Request, key string) error {
	if h.limiter == nil {
		return nil
	}
	result, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		h.logger.WithError(err).Warn("api: rate limiter unavailable, failing open")
		return nil
	}
	if !result.Allowed {
		return apierr.New(apierr.CodeRateLimited, "request budget exceeded, retry later")
	}
	return nil
}
