// ABOUTME: Rate limiting middleware with fixed-window counters
// ABOUTME: Provides per-endpoint rate limits keyed by IP, host, or target id

package middleware

import (
	"log/slog"
	"maps"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KeyFunc picks the counter a request is charged to. An empty key is not limited.
type KeyFunc func(*http.Request) string

type bucket struct {
	start time.Time
	n     int
}

// RateLimiter allows limit requests per key in each fixed window.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]bucket
	lastSweep time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window. A
// limit below one is raised to one.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   max(limit, 1),
		window:  window,
		now:     time.Now,
		buckets: make(map[string]bucket),
	}
}

// Allow charges one request to key. Over the limit it returns false and the
// time left until the key's window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(now)
	}

	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.start) >= rl.window {
		b = bucket{start: now}
	}
	if b.n >= rl.limit {
		return false, b.start.Add(rl.window).Sub(now)
	}
	b.n++
	rl.buckets[key] = b
	return true, 0
}

// sweep drops buckets whose window has closed. Caller holds rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	maps.DeleteFunc(rl.buckets, func(_ string, b bucket) bool {
		return now.Sub(b.start) >= rl.window
	})
	rl.lastSweep = now
}

// ClientIP keys on the leftmost X-Forwarded-For address, else RemoteAddr.
// X-Forwarded-For is trusted, so the broker must sit behind a proxy that sets it
// when exposed beyond the host network.
func ClientIP(r *http.Request) string {
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
		return "ip:" + ip.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// HostOrIP keys on the authenticated host (set by Auth), falling back to ClientIP.
func HostOrIP(r *http.Request) string {
	if c := HostFrom(r); c != nil && c.Subject != "" {
		return "host:" + c.Subject
	}
	return ClientIP(r)
}

// TargetOrIP keys on the {id} path value (a flow or an account), so repeated
// credential submissions against one target are throttled without affecting
// other targets. Requests without an id fall back to ClientIP.
func TargetOrIP(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return "target:" + id
	}
	return ClientIP(r)
}

// RateLimit rejects requests over the limiter's budget with 429 and Retry-After.
// A nil limiter or key func disables it.
func RateLimit(limiter *RateLimiter, key KeyFunc) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if limiter == nil || key == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next(w, r)
				return
			}
			ok, wait := limiter.Allow(k)
			if ok {
				next(w, r)
				return
			}

			secs := max(1, int(math.Ceil(wait.Seconds())))
			slog.Warn("Rate limited", "key", k, "path", r.URL.Path, "retry_after", secs)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			reject(w, http.StatusTooManyRequests, ReasonRateLimited, "too many requests")
		}
	}
}
