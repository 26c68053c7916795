package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"wbot/internal/models"
)

// SettingsStore reads and writes tenant settings.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string) (*models.UserSettings, error)
	Save(ctx context.Context, settings *models.UserSettings) error
	SetContactGhost(ctx context.Context, tenantID, jid string, ghost bool) error
}

// SettingsHandler serves tenant settings endpoints.
type SettingsHandler struct {
	settings SettingsStore
}

// settingsRequest is a partial update; nil fields keep their value.
type settingsRequest struct {
	AntiDelete       *bool   `json:"anti_delete"`
	AntiViewOnce     *bool   `json:"anti_view_once"`
	GhostModeGlobal  *bool   `json:"ghost_mode_global"`
	ViewOncePrefix   *string `json:"view_once_prefix"`
	StatusSavePrefix *string `json:"status_save_prefix"`
	DownloaderPrefix *string `json:"downloader_prefix"`
	OwnerName        *string `json:"owner_name"`
}

type ghostRequest struct {
	JID   string `json:"jid"`
	Ghost bool   `json:"ghost"`
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(settings SettingsStore) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

// Get handles GET /api/settings/{sessionId}
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["sessionId"]
	if !allowed(r, tenantID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}
	settings, err := h.settings.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// Update handles PUT /api/settings/{sessionId}
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["sessionId"]
	if !allowed(r, tenantID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	settings, err := h.settings.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	req.apply(settings)
	if settings.ViewOncePrefix == "" || settings.StatusSavePrefix == "" || settings.DownloaderPrefix == "" {
		writeError(w, http.StatusBadRequest, "prefixes cannot be empty")
		return
	}
	if err := h.settings.Save(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (req settingsRequest) apply(s *models.UserSettings) {
	if req.AntiDelete != nil {
		s.AntiDelete = *req.AntiDelete
	}
	if req.AntiViewOnce != nil {
		s.AntiViewOnce = *req.AntiViewOnce
	}
	if req.GhostModeGlobal != nil {
		s.GhostModeGlobal = *req.GhostModeGlobal
	}
	if req.ViewOncePrefix != nil {
		s.ViewOncePrefix = *req.ViewOncePrefix
	}
	if req.StatusSavePrefix != nil {
		s.StatusSavePrefix = *req.StatusSavePrefix
	}
	if req.DownloaderPrefix != nil {
		s.DownloaderPrefix = *req.DownloaderPrefix
	}
	if req.OwnerName != nil {
		s.OwnerName = *req.OwnerName
	}
}

// SetGhost handles PUT /api/contacts/{sessionId}/ghost
func (h *SettingsHandler) SetGhost(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["sessionId"]
	if !allowed(r, tenantID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}
	var req ghostRequest
	if err := decodeJSON(r, &req); err != nil || req.JID == "" {
		writeError(w, http.StatusBadRequest, "jid required")
		return
	}
	err := h.settings.SetContactGhost(r.Context(), tenantID, req.JID, req.Ghost)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "Contact not found, sync contacts first")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update contact")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "jid": req.JID, "ghost": req.Ghost})
}
