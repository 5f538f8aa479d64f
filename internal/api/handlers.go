package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/session"
	"github.com/shehryarbajwa/rentrig/internal/stream"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

// maxUploadBytes caps a multipart upload, source file included
const maxUploadBytes = 32 << 20

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr *session.Manager
	output     *stream.Server
	logger     *zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, output *stream.Server, logger *zerolog.Logger) *Handler {
	return &Handler{
		sessionMgr: sessionMgr,
		output:     output,
		logger:     logger,
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidInput, "api.create_session", "invalid request body", err))
		return
	}

	sess, err := h.sessionMgr.CreateSession(r.Context(), actorFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		Success:   true,
		Message:   "Session requested successfully",
		SessionID: sess.ID,
	})
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionMgr.GetSession(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SessionResponse{Success: true, Session: sess})
}

// ListRenterSessions handles GET /v1/sessions/renter
func (h *Handler) ListRenterSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionMgr.ListRenterSessions(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SessionsResponse{Success: true, Sessions: nonNil(sessions)})
}

// ListOwnerSessions handles GET /v1/sessions/owner
func (h *Handler) ListOwnerSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionMgr.ListOwnerSessions(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SessionsResponse{Success: true, Sessions: nonNil(sessions)})
}

// UpdateStatus handles PUT /v1/sessions/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidInput, "api.update_status", "invalid request body", err))
		return
	}

	sess, err := h.sessionMgr.TransitionStatus(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.StatusResponse{
		Success: true,
		Message: fmt.Sprintf("Session %s", sess.Status),
	})
}

// UploadCode handles POST /v1/sessions/{id}/upload. The source arrives in
// the multipart field "file"; ?async=true queues it instead of waiting.
func (h *Handler) UploadCode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperr.Newf(apperr.CodeInvalidInput, "api.upload", "upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.writeError(w, r, apperr.New(apperr.CodeInvalidInput, "api.upload", "no file uploaded", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidInput, "api.upload", "no file uploaded", err))
		return
	}
	defer file.Close()

	source, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.CodeIO, "api.upload", "failed to read upload", err))
		return
	}
	language := r.FormValue("language")

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		job, err := h.sessionMgr.SubmitUpload(r.Context(), actorFrom(r), id, source, language)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, models.JobResponse{
			Success:   true,
			Message:   "Code queued for execution",
			JobID:     job.ID,
			SessionID: job.SessionID,
		})
		return
	}

	output, err := h.sessionMgr.ExecuteUpload(r.Context(), actorFrom(r), id, source, language)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.UploadResponse{
		Success: true,
		Message: "Code executed successfully",
		Output:  output,
	})
}

// GetResult handles GET /v1/sessions/{id}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessionMgr.FetchResult(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ResultResponse{Success: true, Result: result})
}

// StreamOutput handles GET /v1/sessions/{id}/output/ws
func (h *Handler) StreamOutput(w http.ResponseWriter, r *http.Request) {
	if err := h.output.HandleOutput(w, r, actorFrom(r), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
	}
}

// DownloadWorkspace handles GET /v1/sessions/{id}/workspace
func (h *Handler) DownloadWorkspace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Authorize before any bytes are written so errors can still be JSON.
	if _, err := h.sessionMgr.GetSession(r.Context(), actorFrom(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".tar.gz"))
	if err := h.sessionMgr.ArchiveWorkspace(r.Context(), actorFrom(r), id, w); err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			w.Header().Del("Content-Disposition")
			h.writeError(w, r, err)
			return
		}
		h.logger.Error().Err(err).Str("session_id", id).Msg("workspace archive interrupted")
	}
}

func nonNil(sessions []*models.Session) []*models.Session {
	if sessions == nil {
		return []*models.Session{}
	}
	return sessions
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// statusFor maps error codes to HTTP status codes
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeNotAuthorized:
		return http.StatusForbidden
	case apperr.CodeInvalidTransition, apperr.CodeInvalidState, apperr.CodeInvalidInput, apperr.CodeInvalidInterval:
		return http.StatusBadRequest
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal failures are logged and reported with a
// generic message so engine details never reach the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	message := apperr.MessageOf(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Str("code", string(code)).Msg("request failed")
		if code == apperr.CodeInternal {
			message = "Server error"
		}
	}

	writeJSON(w, status, models.ErrorResponse{
		Success: false,
		Code:    string(code),
		Message: message,
	})
}
