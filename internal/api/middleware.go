package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/drip/internal/metrics"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks API key authentication. A bcrypt api_key_hash takes
// precedence over a plain api_key; with neither set every request passes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && s.config.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check Authorization header
		auth := r.Header.Get("Authorization")
		if auth == "" {
			// Also check X-API-Key header
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth == "" || !s.validKey(auth) {
			metrics.IncAPIErrors("unauthorized")
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	if s.config.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1
}
