// ABOUTME: HTTP request logging middleware with correlation IDs
// ABOUTME: One completion line per request with status, latency and the target flow or account

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDKey contextKey = "requestID"

// statusRecorder remembers the status written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LogRequest tags each request with a correlation ID and logs its outcome.
// A well-formed X-Request-ID from the caller is reused so host logs and broker
// logs line up.
func LogRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		attrs := []any{"request_id", id, "method", r.Method, "path", sanitizePath(r.URL.Path)}
		if target := r.PathValue("id"); target != "" {
			attrs = append(attrs, "target", sanitizePath(target))
		}
		slog.Debug("Request started", attrs...)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		attrs = append(attrs, "status", rec.status, "latency_ms", time.Since(start).Milliseconds())
		switch {
		case rec.status >= http.StatusInternalServerError:
			slog.Error("Request failed", attrs...)
		case rec.status >= http.StatusBadRequest:
			slog.Warn("Request rejected", attrs...)
		default:
			slog.Info("Request completed", attrs...)
		}
	}
}

// RequestID returns the correlation ID assigned by LogRequest, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// sanitizePath strips control characters so a crafted path cannot forge log lines.
func sanitizePath(p string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, p)
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) < 0
}
