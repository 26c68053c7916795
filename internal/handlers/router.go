package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"wbot/internal/services"
)

// Handlers groups the endpoint handlers mounted by NewRouter. Nil handlers
// leave their routes out.
type Handlers struct {
	Sessions *SessionHandler
	Tasks    *TaskHandler
	Settings *SettingsHandler
	Auth     *AuthHandler
	Realtime http.Handler
}

// NewRouter builds the HTTP surface with CORS applied.
func NewRouter(auth *services.AuthService, h Handlers) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if h.Realtime != nil {
		r.Handle("/ws", h.Realtime)
	}

	if h.Sessions != nil {
		// status is public so dashboards can poll it
		r.HandleFunc("/api/session/status/{sessionId}", h.Sessions.Status).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(auth))

	if h.Sessions != nil {
		api.HandleFunc("/session/start", h.Sessions.Start).Methods(http.MethodPost)
		api.HandleFunc("/session/reset", h.Sessions.Reset).Methods(http.MethodPost)
		api.HandleFunc("/session/stop", h.Sessions.Stop).Methods(http.MethodPost)
		api.HandleFunc("/session/qr/{sessionId}", h.Sessions.QR).Methods(http.MethodGet)
		api.HandleFunc("/session/pairing-code", h.Sessions.PairingCode).Methods(http.MethodPost)
		api.HandleFunc("/contacts/sync", h.Sessions.SyncContacts).Methods(http.MethodPost)
	}
	if h.Settings != nil {
		api.HandleFunc("/settings/{sessionId}", h.Settings.Get).Methods(http.MethodGet)
		api.HandleFunc("/settings/{sessionId}", h.Settings.Update).Methods(http.MethodPut)
		api.HandleFunc("/contacts/{sessionId}/ghost", h.Settings.SetGhost).Methods(http.MethodPut)
	}
	if h.Tasks != nil {
		api.HandleFunc("/tasks", h.Tasks.Create).Methods(http.MethodPost)
		api.HandleFunc("/tasks/{sessionId}", h.Tasks.List).Methods(http.MethodGet)
	}
	if h.Auth != nil {
		api.HandleFunc("/auth/token", h.Auth.Token).Methods(http.MethodPost)
	}

	return CORSMiddleware(r)
}
