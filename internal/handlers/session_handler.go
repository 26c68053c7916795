package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"wbot/internal/session"
)

// SessionManager is the part of session.Manager the HTTP surface drives.
type SessionManager interface {
	Start(ctx context.Context, tenantID string) (session.Status, error)
	Reset(ctx context.Context, tenantID string) (session.Status, error)
	Stop(ctx context.Context, tenantID string) (bool, error)
	Snapshot(tenantID string) (session.Snapshot, bool)
	RequestPairingCode(ctx context.Context, tenantID, phone string) (string, error)
	SyncContacts(ctx context.Context, tenantID string) (int, error)
}

// SessionHandler serves the session lifecycle endpoints.
type SessionHandler struct {
	sessions SessionManager
	log      zerolog.Logger
}

type sessionRequest struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber"`
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionManager, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, log: log.With().Str("component", "http").Logger()}
}

// readSession decodes the body and checks the caller may act on its
// session. It writes the error response and returns false on failure.
func (h *SessionHandler) readSession(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return req, false
	}
	if !allowed(r, req.SessionID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return req, false
	}
	return req, true
}

// Start handles POST /api/session/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSession(w, r)
	if !ok {
		return
	}

	if snap, exists := h.sessions.Snapshot(req.SessionID); exists &&
		(snap.Status == session.StatusConnected || snap.Status == session.StatusQR) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Session active", "status": snap.Status})
		return
	}

	status, err := h.sessions.Start(r.Context(), req.SessionID)
	if err != nil {
		h.log.Error().Err(err).Str("tenant", req.SessionID).Msg("Failed to start session")
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Session initialization started", "status": status})
}

// Reset handles POST /api/session/reset
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSession(w, r)
	if !ok {
		return
	}
	status, err := h.sessions.Reset(r.Context(), req.SessionID)
	if err != nil {
		h.log.Error().Err(err).Str("tenant", req.SessionID).Msg("Failed to reset session")
		writeError(w, http.StatusInternalServerError, "Failed to reset session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Session reset", "status": status})
}

// Stop handles POST /api/session/stop
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSession(w, r)
	if !ok {
		return
	}
	stopped, err := h.sessions.Stop(r.Context(), req.SessionID)
	if err != nil {
		h.log.Error().Err(err).Str("tenant", req.SessionID).Msg("Failed to stop session")
		writeError(w, http.StatusInternalServerError, "Failed to stop session")
		return
	}
	message := "Session not found or already stopped"
	if stopped {
		message = "Session stopped and cleared"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": stopped, "message": message})
}

// Status handles GET /api/session/status/{sessionId}
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap, _ := h.sessions.Snapshot(mux.Vars(r)["sessionId"])
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": snap.Status == session.StatusConnected,
		"status":    snap.Status,
	})
}

// QR handles GET /api/session/qr/{sessionId}
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["sessionId"]
	if !allowed(r, tenantID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}
	snap, ok := h.sessions.Snapshot(tenantID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      snap.Status,
		"qr":          snap.QR,
		"image":       snap.QRImage,
		"pairingCode": snap.PairingCode,
	})
}

// PairingCode handles POST /api/session/pairing-code
func (h *SessionHandler) PairingCode(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSession(w, r)
	if !ok {
		return
	}
	code, err := h.sessions.RequestPairingCode(r.Context(), req.SessionID, req.PhoneNumber)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
	case errors.Is(err, session.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, "Session not active")
	case errors.Is(err, session.ErrAlreadyConnected):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Str("tenant", req.SessionID).Msg("Pairing code error")
		writeError(w, http.StatusInternalServerError, "Failed to generate code")
	}
}

// SyncContacts handles POST /api/contacts/sync
func (h *SessionHandler) SyncContacts(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSession(w, r)
	if !ok {
		return
	}
	count, err := h.sessions.SyncContacts(r.Context(), req.SessionID)
	if errors.Is(err, session.ErrNoSession) {
		writeError(w, http.StatusNotFound, "Session not active")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Sync triggered", "count": count})
}
