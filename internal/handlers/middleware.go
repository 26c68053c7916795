package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"wbot/internal/services"
)

type ctxKey int

const claimsKey ctxKey = iota

const unauthorizedMessage = "⛔ Unauthorized: Invalid or missing API Key"

// AuthMiddleware accepts the shared API key (x-api-key header or apiKey
// query) or a bearer token. Token claims are kept on the request context.
func AuthMiddleware(auth *services.AuthService) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				claims, err := auth.ValidateToken(strings.TrimPrefix(header, "Bearer "))
				if err != nil {
					writeError(w, http.StatusForbidden, unauthorizedMessage)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
				return
			}

			key := r.Header.Get("x-api-key")
			if key == "" {
				key = r.URL.Query().Get("apiKey")
			}
			if !auth.CheckAPIKey(key) {
				writeError(w, http.StatusForbidden, unauthorizedMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowed reports whether the request may act on tenantID. API key
// requests may act on any tenant.
func allowed(r *http.Request, tenantID string) bool {
	claims, ok := r.Context().Value(claimsKey).(*services.JWTClaims)
	return !ok || claims.Allows(tenantID)
}

// CORSMiddleware answers preflight requests and allows any origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, ngrok-skip-browser-warning")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
