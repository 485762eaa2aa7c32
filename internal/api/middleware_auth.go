// ABOUTME: RequireAPIKey middleware: Bearer API key auth for the admin job API.
// ABOUTME: The configured value is a sha256 hash; raw keys never live in config.
package api

import (
	"net/http"
	"strings"

	"github.com/thevivek0408/couchsurfing/internal/auth"
)

// RequireAPIKey returns a middleware that requires "Authorization: Bearer <key>"
// whose hash matches the configured admin API key hash.
func (srv *Server) RequireAPIKey() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !auth.MatchAPIKey(strings.TrimPrefix(authHeader, "Bearer "), srv.apiKeyHash) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
