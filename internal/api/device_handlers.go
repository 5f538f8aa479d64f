package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

// CreateDevice handles POST /v1/devices
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidInput, "api.create_device", "invalid request body", err))
		return
	}

	device, err := h.sessionMgr.RegisterDevice(r.Context(), actorFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, device)
}

// GetDevice handles GET /v1/devices/{id}
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.sessionMgr.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}
