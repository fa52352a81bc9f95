package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// CORSConfig holds CORS configuration options.
type CORSConfig struct {
	// AllowedOrigin is the value of CORS_ORIGIN: "*" allows any origin,
	// anything else allows exactly that origin.
	AllowedOrigin string
}

// CORS returns middleware that adds CORS headers to responses.
// AllowedOrigin == "*" (the default) reflects any request's Origin back
// verbatim rather than sending a literal wildcard, so credentialed
// requests keep working; any other value allows only that origin.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	wildcard := cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*"
	if wildcard {
		log.Warn().Msg("CORS_ORIGIN=* - allowing cross-origin requests from any origin")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			var allowOrigin string
			switch {
			case origin == "":
			case wildcard:
				allowOrigin = origin
			case origin == cfg.AllowedOrigin:
				allowOrigin = origin
			default:
				log.Debug().Str("origin", origin).Msg("CORS request from non-allowed origin")
			}

			if allowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				// Fix 3.17: Include X-API-Key in allowed headers for CORS preflight
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

				// Add credentials support for specific origins
				// This is required for cookies and auth headers in cross-origin requests
				w.Header().Set("Access-Control-Allow-Credentials", "true")

				// Always set Vary header to prevent caching issues with CDNs
				w.Header().Set("Vary", "Origin")
			}

			// Handle preflight
			if r.Method == http.MethodOptions {
				// Add security headers to preflight response
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.Header().Set("Cache-Control", "no-store, max-age=0")
				// Fix #30: Reduce preflight cache from 2 hours to 10 minutes
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders returns middleware that adds security-related HTTP headers.
// These headers help protect against common web vulnerabilities.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// Prevent caching of sensitive responses
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		next.ServeHTTP(w, r)
	})
}
