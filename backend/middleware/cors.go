// ABOUTME: CORS middleware restricted to an origin allowlist
// ABOUTME: Browser-based host dashboards must be listed in CORS_ALLOWED_ORIGINS

package middleware

import (
	"net/http"
	"slices"
)

// CORSWithConfig echoes the request Origin back only when it is allowlisted.
// Preflight requests are answered with 204 and never reach the handler.
// Requests without an Origin header are same-origin and pass through untouched.
func CORSWithConfig(allowedOrigins []string) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && slices.Contains(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next(w, r)
		}
	}
}
