package handlers

import (
	"net/http"
	"time"

	"wbot/internal/services"
)

const (
	defaultTokenTTL = 24 * time.Hour
	maxTokenTTL     = 30 * 24 * time.Hour
)

// AuthHandler issues bearer tokens scoped to one session.
type AuthHandler struct {
	auth *services.AuthService
}

type tokenRequest struct {
	SessionID  string `json:"sessionId"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Token handles POST /api/auth/token. Only API key callers may mint
// tokens; sessionId "*" grants access to every session.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if _, isToken := r.Context().Value(claimsKey).(*services.JWTClaims); isToken {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}

	token, err := h.auth.IssueToken(req.SessionID, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": time.Now().Add(ttl).UTC(),
	})
}
