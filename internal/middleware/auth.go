// Package middleware provides HTTP middleware for the points service.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/guildpoints/pointsd/pkg/logger"
)

// APIKeyAuth guards the API with a shared key. Clients present the key
// in the X-API-Key header or the api_key query parameter.
type APIKeyAuth struct {
	key       string
	skipPaths []string
	log       *logger.Logger
}

// NewAPIKeyAuth creates an API key middleware. Paths in skipPaths are
// matched by prefix and bypass the check.
func NewAPIKeyAuth(key string, skipPaths []string, log *logger.Logger) *APIKeyAuth {
	return &APIKeyAuth{
		key:       key,
		skipPaths: skipPaths,
		log:       log,
	}
}

// Handler returns the authentication middleware handler.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range a.skipPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		presented := r.Header.Get("X-API-Key")
		if presented == "" {
			presented = r.URL.Query().Get("api_key")
		}

		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.key)) != 1 {
			a.log.WithFields(map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
				"remote": r.RemoteAddr,
			}).Warn("rejected request with missing or invalid API key")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid API key"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
