package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/materializer"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
)

type chapterRequest struct {
	Label     string   `json:"label"`
	StartTime float64  `json:"startTime"`
	EndTime   *float64 `json:"endTime"`
}

type chapterResponse struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Index       int      `json:"index"`
	StartTime   float64  `json:"startTime"`
	EndTime     *float64 `json:"endTime,omitempty"`
	Status      string   `json:"status"`
	CipherBytes int64    `json:"cipherBytes,omitempty"`
}

func toChapterResponse(c *repository.Chapter) chapterResponse {
	resp := chapterResponse{
		ID:          c.ID,
		Label:       c.Label,
		Index:       c.Index,
		StartTime:   c.Start.Seconds(),
		Status:      string(c.Status),
		CipherBytes: c.CipherBytes,
	}
	if c.End != nil {
		end := c.End.Seconds()
		resp.EndTime = &end
	}
	return resp
}

// handleListChapters returns every chapter row for the file, ordered
// by Index.
func (h *Handlers) handleListChapters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := mux.Vars(r)["id"]

	chapters, err := h.repo.ListChaptersForAudioFile(r.Context(), fileID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	out := make([]chapterResponse, 0, len(chapters))
	for _, c := range chapters {
		out = append(out, toChapterResponse(c))
	}
	h.writeJSON(w, r, start, http.StatusOK, out)
}

// handleCreateChapters registers an ordered set of pending Chapter
// rows for a file. Materialization happens separately, via
// handleFinalizeChapters, so a client can define a chapter list
// without paying the cut+re-encrypt cost until it actually wants to
// stream one.
func (h *Handlers) handleCreateChapters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := mux.Vars(r)["id"]

	var reqs []chapterRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, r, start, apierr.Wrap(apierr.CodeMissingParams, "decoding chapter list", err))
		return
	}
	if len(reqs) == 0 {
		h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "chapter list must not be empty"))
		return
	}

	ctx := r.Context()
	out := make([]chapterResponse, 0, len(reqs))
	for i, req := range reqs {
		if req.Label == "" {
			h.writeError(w, r, start, apierr.New(apierr.CodeMissingParams, "every chapter needs a label"))
			return
		}
		c := &repository.Chapter{
			ID:          newID(),
			AudioFileID: fileID,
			Label:       req.Label,
			Index:       i,
			Start:       durationFromSeconds(req.StartTime),
			Status:      repository.ChapterPending,
			CreatedAt:   time.Now(),
		}
		if req.EndTime != nil {
			end := durationFromSeconds(*req.EndTime)
			c.End = &end
		}
		if err := h.repo.CreateChapter(ctx, c); err != nil {
			h.writeError(w, r, start, err)
			return
		}
		out = append(out, toChapterResponse(c))
	}

	h.writeJSON(w, r, start, http.StatusCreated, out)
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// handleDeleteChapters drops every chapter row (and, transitively, any
// materialized ciphertext left for the janitor to reap) for a file.
func (h *Handlers) handleDeleteChapters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := mux.Vars(r)["id"]

	if err := h.repo.DeleteChaptersForAudioFile(r.Context(), fileID); err != nil {
		h.writeError(w, r, start, err)
		return
	}
	h.writeJSON(w, r, start, http.StatusOK, map[string]bool{"deleted": true})
}

type finalizeResponse struct {
	Ready  []chapterResponse `json:"ready"`
	Failed []string          `json:"failed"`
	Async  bool              `json:"async"`
}

// handleFinalizeChapters runs the Chapter Materializer over every
// pending chapter of a file. Per config it either blocks for the
// result or kicks the run off in the background and returns
// immediately with async=true.
func (h *Handlers) handleFinalizeChapters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := mux.Vars(r)["id"]

	if err := h.checkRateLimit(r, "materialize:"+fileID); err != nil {
		h.writeError(w, r, start, err)
		return
	}

	ctx := r.Context()
	file, err := h.repo.GetAudioFile(ctx, fileID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	chapters, err := h.repo.ListChaptersForAudioFile(ctx, fileID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}

	masterKey, err := masterEnvelopeHeader(file)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}

	var reqs []materializer.Request
	for _, c := range chapters {
		if c.Status != repository.ChapterPending {
			continue
		}
		var duration time.Duration
		if c.End != nil {
			duration = *c.End - c.Start
		}
		reqs = append(reqs, materializer.Request{
			MasterPath: file.MasterPath,
			MasterKey:  masterKey,
			ChapterRef: c.ID,
			OutputName: fmt.Sprintf("chapter_%s_%s_%d", file.ID, c.ID, time.Now().Unix()),
			Start:      c.Start,
			Duration:   duration,
		})
	}
	if len(reqs) == 0 {
		h.writeJSON(w, r, start, http.StatusOK, finalizeResponse{Async: false})
		return
	}

	if h.asyncFinalize {
		go h.runMaterialization(file.ID, reqs)
		h.writeJSON(w, r, start, http.StatusAccepted, finalizeResponse{Async: true})
		return
	}

	run, err := h.materializer.MaterializeChapters(ctx, file.MasterPath, masterKey, reqs)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	h.commitMaterializationRun(ctx, run)

	resp := finalizeResponse{Failed: make([]string, 0, len(run.Failures))}
	for _, res := range run.Ready {
		resp.Ready = append(resp.Ready, chapterResponse{ID: res.ChapterRef, CipherBytes: res.CipherBytes, Status: string(repository.ChapterReady)})
	}
	for _, f := range run.Failures {
		resp.Failed = append(resp.Failed, f.ChapterRef)
	}
	h.writeJSON(w, r, start, http.StatusOK, resp)
}

// runMaterialization is the background entry point used when
// asyncFinalize is set: it has no HTTP response to write to, so
// failures are logged and recorded against the chapter rows instead.
func (h *Handlers) runMaterialization(fileID string, reqs []materializer.Request) {
	ctx, cancel := withBackgroundTimeout(10 * time.Minute)
	defer cancel()

	file, err := h.repo.GetAudioFile(ctx, fileID)
	if err != nil {
		h.logger.WithError(err).WithField("file_id", fileID).Error("api: async finalize: reloading file")
		return
	}
	masterKey, err := masterEnvelopeHeader(file)
	if err != nil {
		h.logger.WithError(err).WithField("file_id", fileID).Error("api: async finalize: decoding master key")
		return
	}
	run, err := h.materializer.MaterializeChapters(ctx, file.MasterPath, masterKey, reqs)
	if err != nil {
		h.logger.WithError(err).WithField("file_id", fileID).Error("api: async finalize: run aborted")
		return
	}
	h.commitMaterializationRun(ctx, run)
}

// commitMaterializationRun marks every ready chapter's row ready and
// every failed chapter's row failed, matching the per-chapter
// isolation the materializer itself already applied.
func (h *Handlers) commitMaterializationRun(ctx context.Context, run *materializer.RunResult) {
	for _, res := range run.Ready {
		material := &repository.ChapterKeyMaterial{
			KeyID:      res.KeyID,
			KeyVersion: res.KeyVersion,
			WrappedKey: res.WrappedKey,
			IV:         res.IV,
			Manifest:   res.Manifest,
		}
		if err := h.repo.MarkChapterReady(ctx, res.ChapterRef, res.OutputPath, res.PlainBytes, res.CipherBytes, material); err != nil {
			h.logger.WithError(err).WithField("chapter_ref", res.ChapterRef).Error("api: marking chapter ready")
		}
	}
	for _, f := range run.Failures {
		if err := h.repo.MarkChapterFailed(ctx, f.ChapterRef); err != nil {
			h.logger.WithError(err).WithField("chapter_ref", f.ChapterRef).Error("api: marking chapter failed")
		}
	}
}

type streamURLResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

// handleChapterStreamURL mints a signed ticket authorizing the
// requesting client to stream one chapter for h.signedURLTTL.
func (h *Handlers) handleChapterStreamURL(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	fileID, chapterID := vars["id"], vars["cid"]

	ctx := r.Context()
	chapter, err := h.repo.GetChapter(ctx, chapterID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	if chapter.AudioFileID != fileID {
		h.writeError(w, r, start, apierr.New(apierr.CodeNotFound, "chapter does not belong to this file"))
		return
	}
	if chapter.Status != repository.ChapterReady {
		h.writeError(w, r, start, apierr.New(apierr.CodeUploadConflict, "chapter is not ready to stream"))
		return
	}

	file, err := h.repo.GetAudioFile(ctx, fileID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	if err := authorizeAccess(ctx, h.repo, file.ID, file.IsPublic); err != nil {
		h.writeError(w, r, start, err)
		return
	}

	expires := time.Now().Add(h.signedURLTTL)
	token := h.urlCodec.Sign(signedURLTicket(chapterID, 0, 0, expires, clientIP(r)))

	h.writeJSON(w, r, start, http.StatusOK, streamURLResponse{
		URL:       "/files/" + fileID + "/chapters/" + chapterID + "/stream?token=" + token,
		ExpiresAt: expires.UnixMilli(),
	})
}
