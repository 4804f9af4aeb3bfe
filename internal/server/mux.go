// Package server provides HTTP server construction for the bridge:
// the MCP endpoint behind caller-identity middleware, the OAuth
// login endpoints, and the health probe.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/heroku-bridge/internal/mcpserver"
	"github.com/alexjbarnes/heroku-bridge/internal/oauth"
)

// DefaultUserIDHeader is the caller identity header when none is
// configured.
const DefaultUserIDHeader = "x-user-id"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	OAuth        *oauth.Service
	MCPHandler   http.Handler
	Logger       *slog.Logger
	UserIDHeader string

	// CatalogReady reports whether the operation catalog is loaded.
	CatalogReady func() bool
}

// NewMux builds the HTTP mux with the health probe, the OAuth login
// flow, and the MCP endpoint. The MCP endpoint runs behind the caller
// identity middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	header := cfg.UserIDHeader
	if header == "" {
		header = DefaultUserIDHeader
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz(cfg.CatalogReady))
	mux.HandleFunc("GET /oauth/start", handleOAuthStart(cfg.OAuth, header))
	mux.HandleFunc("GET /oauth/callback", handleOAuthCallback(cfg.OAuth, cfg.Logger))
	mux.HandleFunc("GET /oauth/status", handleOAuthStatus(cfg.OAuth, header))
	mux.HandleFunc("POST /oauth/logout", handleOAuthLogout(cfg.OAuth, header))

	mux.Handle("/mcp", CallerIDMiddleware(header)(cfg.MCPHandler))

	return mux
}

// CallerIDMiddleware copies the identity header into the request
// context so tool handlers can scope credentials and caches per
// caller. Requests without the header run as the default caller.
func CallerIDMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = mcpserver.DefaultCallerID
			}

			next.ServeHTTP(w, r.WithContext(mcpserver.WithCallerID(r.Context(), id)))
		})
	}
}

// callerID resolves the caller for the OAuth endpoints: the user_id
// query parameter wins, then the identity header, then the default.
// Browsers cannot set custom headers, so the login flow must work from
// the query string alone.
func callerID(r *http.Request, header string) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}

	if id := r.Header.Get(header); id != "" {
		return id
	}

	return mcpserver.DefaultCallerID
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func handleHealthz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		catalogReady := ready != nil && ready()

		writeJSON(w, http.StatusOK, map[string]any{
			"ok":            true,
			"service":       "heroku-bridge",
			"catalog_ready": catalogReady,
		})
	}
}

// handleOAuthStart begins the login flow. mode=json returns the
// authorization URL instead of redirecting, for clients that open the
// browser themselves.
func handleOAuthStart(svc *oauth.Service, header string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := callerID(r, header)
		authURL := svc.AuthorizationURL(userID)

		if r.URL.Query().Get("mode") == "json" {
			writeJSON(w, http.StatusOK, map[string]string{
				"authorization_url": authURL,
				"user_id":           userID,
			})

			return
		}

		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func handleOAuthCallback(svc *oauth.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errCode := query.Get("error"); errCode != "" {
			logger.Warn("oauth callback returned an error", "error", errCode)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": errCode})

			return
		}

		code := query.Get("code")
		state := query.Get("state")

		if code == "" || state == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code or state"})
			return
		}

		userID, err := svc.HandleCallback(r.Context(), code, state)
		if err != nil {
			logger.Warn("oauth callback failed", "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization failed"})

			return
		}

		logger.Info("caller authenticated", "user_id", userID)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><h1>Authentication complete</h1><p>You can close this window.</p></body></html>"))
	}
}

func handleOAuthStatus(svc *oauth.Service, header string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := callerID(r, header)

		authenticated, scopes, expiresAt, err := svc.Status(userID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reading credential state"})
			return
		}

		body := map[string]any{"user_id": userID, "authenticated": authenticated}
		if len(scopes) > 0 {
			body["scopes"] = scopes
		}

		if expiresAt != "" {
			body["expires_at"] = expiresAt
		}

		writeJSON(w, http.StatusOK, body)
	}
}

func handleOAuthLogout(svc *oauth.Service, header string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Logout(callerID(r, header)); err != nil && !errors.Is(err, oauth.ErrNoToken) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "removing credential"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}
