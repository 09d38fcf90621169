// Package middleware provides HTTP middleware for the buildline API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/relicta-tech/buildline/internal/config"
	"github.com/relicta-tech/buildline/internal/domain/build"
)

// Auth returns authentication middleware based on the auth config. The
// authenticated identity is attached to the request context as a
// build.Actor, which the engine's permission check consults.
func Auth(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch cfg.Mode {
			case config.AuthModeNone:
				// Full access when auth is disabled
				actor := build.Actor{Name: "anonymous", Roles: []string{build.RoleAdmin}}
				next.ServeHTTP(w, r.WithContext(build.WithActor(r.Context(), actor)))

			case config.AuthModeAPIKey, "":
				actor, ok := validateAPIKey(r, cfg.APIKeys)
				if !ok {
					http.Error(w, "Unauthorized: invalid or missing API key", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(build.WithActor(r.Context(), actor)))

			default:
				http.Error(w, "Invalid authentication mode", http.StatusInternalServerError)
			}
		})
	}
}

// validateAPIKey validates the API key from the request.
func validateAPIKey(r *http.Request, keys []config.APIKeyConfig) (build.Actor, bool) {
	apiKey := r.Header.Get("X-API-Key")

	if apiKey == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			apiKey = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	// Browsers cannot set headers on WebSocket connections
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}

	if apiKey == "" {
		return build.Actor{}, false
	}

	for _, key := range keys {
		if key.Key != "" && subtle.ConstantTimeCompare([]byte(key.Key), []byte(apiKey)) == 1 {
			roles := key.Roles
			if len(roles) == 0 {
				roles = []string{build.RoleViewer}
			}
			return build.Actor{Name: key.UserID, Roles: roles}, true
		}
	}

	return build.Actor{}, false
}
