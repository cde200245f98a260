package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/audio-drm-gateway/internal/apierr"
	"github.com/kenneth/audio-drm-gateway/internal/middleware"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
	"github.com/kenneth/audio-drm-gateway/internal/signedurl"
)

// signedURLTicket builds the Ticket a chapter or master stream URL
// signs, expiresAt truncated to millisecond precision to match the
// wire-level `expires` query parameter.
func signedURLTicket(resourceRef string, start, end int64, expiresAt time.Time, clientIP string) signedurl.Ticket {
	return signedurl.Ticket{
		ResourceRef:     resourceRef,
		Start:           start,
		End:             end,
		ExpiresAtMillis: expiresAt.UnixMilli(),
		ClientIP:        clientIP,
	}
}

// setStreamingHeaders applies the headers every streamed chapter or
// master response carries, aggressively opting the browser and any
// intermediary cache out of storing the bytes.
func setStreamingHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("X-Download-Options", "noopen")
	if filename != "" {
		w.Header().Set("Content-Disposition", "inline; filename="+filename)
	}
}

// verifyTicket validates the query-string ticket token used by both
// streaming endpoints: `token` (the signedurl Codec token) must
// authenticate, be unexpired, and be bound to the requesting client's
// IP, and must name the exact resourceRef being streamed.
func (h *Handlers) verifyTicket(r *http.Request, resourceRef string) (*signedurl.Ticket, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, apierr.New(apierr.CodeTicketInvalid, "token query parameter is required")
	}
	ticket, err := h.urlCodec.Verify(token, clientIP(r))
	if err != nil {
		switch err {
		case signedurl.ErrExpired:
			return ticket, apierr.Wrap(apierr.CodeTicketExpired, "signed url expired", err)
		case signedurl.ErrClientMismatch:
			return ticket, apierr.Wrap(apierr.CodeClientMismatch, "client ip does not match ticket", err)
		default:
			return ticket, apierr.Wrap(apierr.CodeTicketInvalid, "invalid signed url", err)
		}
	}
	if ticket.ResourceRef != resourceRef {
		return ticket, apierr.New(apierr.CodeTicketInvalid, "ticket does not authorize this resource")
	}
	return ticket, nil
}

// handleChapterStream serves a materialized chapter's plaintext.
// Chapters don't support byte ranges: a chapter is already cut to its
// final extent at materialization time, so `Accept-Ranges: none` is
// the correct contract rather than reimplementing range support over
// an already-bounded artifact.
func (h *Handlers) handleChapterStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	fileID, chapterID := vars["id"], vars["cid"]

	// The anti-caching contract goes out before any validation or
	// storage access, so even an early 4xx carries it.
	setStreamingHeaders(w, "")
	w.Header().Set("Accept-Ranges", "none")

	ctx := r.Context()
	if _, err := h.verifyTicket(r, chapterID); err != nil {
		h.writeError(w, r, start, err)
		return
	}

	chapter, err := h.repo.GetChapter(ctx, chapterID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	if chapter.AudioFileID != fileID || chapter.Status != repository.ChapterReady {
		h.writeError(w, r, start, apierr.New(apierr.CodeNotFound, "chapter not available"))
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

	w.Header().Set("Content-Disposition", "inline; filename="+chapter.Label)

	chapterKey, err := chapterEnvelopeHeader(chapter)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}

	streamErr := h.streamer.ServeChapter(ctx, w, chapter.OutputPath, file.MimeType, chapterKey)
	if streamErr != nil {
		h.logger.WithError(streamErr).WithField("chapter_id", chapterID).Error("api: streaming chapter")
	}
	if h.audit != nil {
		h.audit.LogAccess("chapter_stream", fileID, chapterID, clientIP(r), r.UserAgent(), middleware.RequestID(r.Context()), streamErr == nil, streamErr, time.Since(start))
	}
	h.recordRequest(r, http.StatusOK, start, chapter.CipherBytes)
}

// handleMasterStreamSigned serves a slice (or the whole) of a master
// recording. start=0 streams the decrypt pipeline directly; any other
// start asks the transcoder to seek inside the decrypted plaintext
// first, so seeking never touches ciphertext byte offsets.
func (h *Handlers) handleMasterStreamSigned(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := mux.Vars(r)["id"]

	setStreamingHeaders(w, "")
	w.Header().Set("Accept-Ranges", "none")

	ctx := r.Context()
	ticket, err := h.verifyTicket(r, fileID)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}
	startSec, endSec, err := rangeFromTicket(r, ticket)
	if err != nil {
		h.writeError(w, r, start, err)
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

	w.Header().Set("Content-Disposition", "inline; filename="+file.Filename)
	if startSec > 0 {
		w.Header().Set("X-Start-Time", strconv.FormatFloat(startSec, 'f', -1, 64))
	}

	masterKey, err := masterEnvelopeHeader(file)
	if err != nil {
		h.writeError(w, r, start, err)
		return
	}

	streamErr := h.streamer.ServeMaster(ctx, w, file.MasterPath, file.MimeType, startSec, endSec, masterKey)
	if streamErr != nil {
		h.logger.WithError(streamErr).WithField("file_id", fileID).Error("api: streaming master")
	}
	if h.audit != nil {
		h.audit.LogAccess("master_stream", fileID, "", clientIP(r), r.UserAgent(), middleware.RequestID(r.Context()), streamErr == nil, streamErr, time.Since(start))
	}
	h.recordRequest(r, http.StatusOK, start, file.SizeBytes)
}

// rangeFromTicket derives the served range from the verified ticket:
// the signature binds (resource, range, expiry, ip), so the range the
// client asked to be signed is the only range this URL can ever
// serve. The `start`/`end` query parameters are advisory for players
// and, when present, must agree with the signed values — a mismatch
// is a ticket being replayed against a different slice.
func rangeFromTicket(r *http.Request, ticket *signedurl.Ticket) (startSec, endSec float64, err error) {
	if err := rangeQueryMatches(r, "start", ticket.Start); err != nil {
		return 0, 0, err
	}
	if err := rangeQueryMatches(r, "end", ticket.End); err != nil {
		return 0, 0, err
	}

	// Start 0 (or the -1 sentinel) with no end bound is the whole
	// recording: a direct decrypt pipe, no transcoder seek.
	if ticket.Start <= 0 && ticket.End < 0 {
		return -1, -1, nil
	}
	return float64(ticket.Start), float64(ticket.End), nil
}

func rangeQueryMatches(r *http.Request, param string, signed int64) error {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || int64(parsed) != signed {
		return apierr.New(apierr.CodeTicketInvalid, param+" does not match the signed ticket")
	}
	return nil
}
