package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/middleware"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
)

type uploadInitRequest struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	SHA256      string `json:"sha256"`
	MimeType    string `json:"mimeType"`
}

type uploadInitResponse struct {
	UploadID  string `json:"uploadId"`
	ChunkSize int64  `json:"chunkSize"`
	Token     string `json:"sessionToken"`
}

// handleUploadInit starts a new chunked upload session. It hands back
// both the uploadId the client references in every subsequent call and
// a session token binding continued writes to this session, so a
// chunk carrying the wrong token is rejected before it ever reaches
// disk.
func (h *Handlers) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, start, apierr.Wrap(apierr.CodeMissingParams, "decoding request body", err))
		return
	}
	if req.Filename == "" || req.FileSize <= 0 {
		h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "filename and fileSize are required"))
		return
	}
	if req.FileSize > h.maxFileBytes {
		h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "fileSize exceeds max-file-bytes"))
		return
	}

	chunkSize := h.chunkBytes
	if chunkSize > h.chunkBytesHardCap {
		chunkSize = h.chunkBytesHardCap
	}

	uploadID := newID()
	resourceRef := newID()

	ctx := r.Context()
	if _, err := h.chunks.CreateSession(ctx, uploadID, resourceRef, req.FileSize, chunkSize); err != nil {
		h.writeError(w, r, start, err)
		return
	}
	if err := h.chunks.SetUploadInfo(ctx, uploadID, req.Filename, req.MimeType, req.SHA256); err != nil {
		h.writeError(w, r, start, err)
		return
	}

	owner := ""
	if claims, ok := requirePrincipalOptional(ctx); ok {
		owner = claims.PrincipalID
	}
	now := time.Now()
	if err := h.repo.CreateUploadSession(ctx, &repository.ChunkUploadSession{
		ID:          uploadID,
		ResourceRef: resourceRef,
		OwnerID:     owner,
		TotalSize:   req.FileSize,
		ChunkBytes:  chunkSize,
		Status:      "uploading",
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		h.writeError(w, r, start, err)
		return
	}

	token, err := h.sessionCodec.Issue(crypto.SessionClaims{
		SessionID: uploadID,
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}

	h.writeJSON(w, r, start, http.StatusOK, uploadInitResponse{
		UploadID:  uploadID,
		ChunkSize: chunkSize,
		Token:     token,
	})
}

// handleUploadChunk accepts one chunk of a session's bytes. The chunk
// is the raw request body, or for a multipart request the "chunk" (or
// "file") part, identified by the X-Upload-Id/X-Chunk-Index
// headers the wire contract specifies.
func (h *Handlers) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uploadID := r.Header.Get("X-Upload-Id")
	indexHeader := r.Header.Get("X-Chunk-Index")
	if uploadID == "" || indexHeader == "" {
		h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "X-Upload-Id and X-Chunk-Index are required"))
		return
	}
	index, err := strconv.Atoi(indexHeader)
	if err != nil || index < 0 {
		h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "X-Chunk-Index must be a non-negative integer"))
		return
	}

	if err := h.verifySessionToken(r, uploadID); err != nil {
		h.writeError(w, r, start, err)
		return
	}
	if err := h.checkRateLimit(r, "upload:"+uploadID); err != nil {
		h.writeError(w, r, start, err)
		return
	}

	payload, done, err := chunkPayload(r, h.chunkBytesHardCap)
	if err != nil {
		h.writeError(w, r, start, apierr.Wrap(apierr.CodeMissingParams, "locating chunk payload", err))
		return
	}
	defer done()

	data, err := io.ReadAll(payload)
	if err != nil {
		if err == errChunkTooLarge {
			h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "chunk exceeds chunk-bytes hard cap"))
			return
		}
		h.writeError(w, r, start, apierr.Wrap(apierr.CodeMissingParams, "reading chunk body", err))
		return
	}

	ctx := r.Context()
	if err := h.chunks.PutChunk(ctx, uploadID, index, data); err != nil {
		h.writeError(w, r, start, err)
		return
	}
	// Touching the status (even to its current value) refreshes
	// updated_at, which is what keeps the janitor's staleness clock
	// accurate for a session that's actively receiving chunks.
	if err := h.repo.UpdateUploadSessionStatus(ctx, uploadID, "uploading"); err != nil {
		h.logger.WithError(err).WithField("upload_id", uploadID).Warn("api: touching upload session")
	}

	h.writeJSON(w, r, start, http.StatusOK, map[string]bool{"received": true})
}

type uploadStatusResponse struct {
	UploadedChunks int  `json:"uploadedChunks"`
	TotalChunks    int  `json:"totalChunks"`
	IsComplete     bool `json:"isComplete"`
}

func (h *Handlers) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uploadID := mux.Vars(r)["uploadId"]

	meta, err := h.chunks.Metadata(r.Context(), uploadID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}

	total := 0
	if meta.ChunkBytes > 0 {
		total = int((meta.TotalSize + meta.ChunkBytes - 1) / meta.ChunkBytes)
	}

	h.writeJSON(w, r, start, http.StatusOK, uploadStatusResponse{
		UploadedChunks: len(meta.ReceivedChunks),
		TotalChunks:    total,
		IsComplete:     meta.IsComplete(),
	})
}

type uploadFinalizeRequest struct {
	Title  string `json:"title"`
	Public bool   `json:"isPublic"`
	SHA256 string `json:"sha256"`
}

type uploadFinalizeResponse struct {
	ID              string  `json:"id"`
	MasterPath      string  `json:"masterPath"`
	SHA256          string  `json:"sha256"`
	SizeBytes       int64   `json:"sizeBytes"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// handleUploadFinalize assembles, verifies, and encrypts a completed
// session, then registers the resulting master as a catalog AudioFile
// row. The session row is marked completed and the chunk directory is
// scheduled for removal after the assembler's grace window, so a
// client whose 201 was lost can retry within it; the janitor reaps
// the row itself on its normal clock.
func (h *Handlers) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uploadID := mux.Vars(r)["uploadId"]

	var req uploadFinalizeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // best-effort: an empty body is valid
	}

	ctx := r.Context()
	result, err := h.assembler.Finalize(ctx, uploadID, req.SHA256)
	if err != nil {
		// The failed status is what moves the session onto the
		// janitor's shorter reap clock; the chunks stay on disk until
		// then so the client can retry or inspect.
		if statusErr := h.repo.UpdateUploadSessionStatus(ctx, uploadID, "failed"); statusErr != nil {
			h.logger.WithError(statusErr).WithField("upload_id", uploadID).Warn("api: marking upload session failed")
		}
		h.writeError(w, r, start, err)
		return
	}

	title := req.Title
	if title == "" {
		title = result.Filename
	}

	audioFile := &repository.AudioFile{
		ID:              result.ResourceRef,
		Title:           title,
		Filename:        result.Filename,
		MasterPath:      result.MasterPath,
		SHA256:          result.SHA256,
		SizeBytes:       result.Size,
		DurationSeconds: result.DurationSeconds,
		MimeType:        result.MimeType,
		IsPublic:        req.Public,
		KeyID:           result.KeyID,
		KeyVersion:      result.KeyVersion,
		WrappedKey:      result.WrappedKey,
		IV:              result.IV,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := h.repo.CreateAudioFile(ctx, audioFile); err != nil {
		h.writeError(w, r, start, err)
		return
	}
	if err := h.repo.UpdateUploadSessionStatus(ctx, uploadID, "completed"); err != nil {
		h.logger.WithError(err).WithField("upload_id", uploadID).Warn("api: marking upload session completed")
	}

	if h.mirror != nil {
		// Best-effort and off the request path: a mirror failure never
		// fails the upload, since the local master is already durable.
		go func() {
			mirrorCtx, cancel := withBackgroundTimeout(2 * time.Minute)
			defer cancel()
			if err := h.mirror.MirrorFile(mirrorCtx, result.ResourceRef, result.MasterPath); err != nil {
				h.logger.WithError(err).WithField("resource_ref", result.ResourceRef).Warn("api: archive mirror upload failed")
			}
		}()
	}

	if h.audit != nil {
		h.audit.LogAccess("upload_finalized", result.ResourceRef, "", clientIP(r), r.UserAgent(), middleware.RequestID(r.Context()), true, nil, time.Since(start))
	}

	h.writeJSON(w, r, start, http.StatusCreated, uploadFinalizeResponse{
		ID:              audioFile.ID,
		MasterPath:      audioFile.MasterPath,
		SHA256:          audioFile.SHA256,
		SizeBytes:       audioFile.SizeBytes,
		DurationSeconds: audioFile.DurationSeconds,
	})
}

// handleUploadCancel drops a session. It is idempotent: cancelling an
// already-gone session still returns success.
func (h *Handlers) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uploadID := mux.Vars(r)["uploadId"]

	ctx := r.Context()
	_ = h.chunks.DeleteSession(ctx, uploadID)
	_ = h.repo.DeleteUploadSession(ctx, uploadID)

	h.writeJSON(w, r, start, http.StatusOK, map[string]bool{"cancelled": true})
}

// verifySessionToken checks the X-Session-Token header (if the codec
// is configured) authorizes continued writes to uploadID.
func (h *Handlers) verifySessionToken(r *http.Request, uploadID string) error {
	if h.sessionCodec == nil {
		return nil
	}
	token := r.Header.Get("X-Session-Token")
	if token == "" {
		return apierr.New(apierr.CodeUnauthorized, "X-Session-Token is required")
	}
	claims, err := h.sessionCodec.Validate(token)
	if err != nil {
		return apierr.Wrap(apierr.CodeUnauthorized, "invalid session token", err)
	}
	if claims.SessionID != uploadID {
		return apierr.New(apierr.CodeUnauthorized, "session token does not authorize this upload")
	}
	return nil
}
