// ABOUTME: Bearer-token authentication middleware for hosts calling the broker
// ABOUTME: Verifies HS256 host tokens and stores the caller's claims in the request context

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/glebsterx/yandex-smart-home/backend/services"
)

// AuthMode defines how authentication is enforced
type AuthMode string

const (
	// AuthModeDisabled skips all authentication
	AuthModeDisabled AuthMode = "disabled"
	// AuthModeOptional validates tokens if present, allows anonymous
	AuthModeOptional AuthMode = "optional"
	// AuthModeRequired rejects requests without valid tokens
	AuthModeRequired AuthMode = "required"
)

const (
	RoleViewer   = services.RoleViewer
	RoleOperator = services.RoleOperator
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	VerifyAndParse(token string) (*services.HostClaims, error)
}

// AuthConfig holds authentication middleware settings
type AuthConfig struct {
	Mode     AuthMode
	Verifier TokenVerifier
}

// ValidateAuthMode validates an auth mode string and returns the corresponding AuthMode.
// Empty string defaults to AuthModeOptional.
func ValidateAuthMode(mode string) (AuthMode, error) {
	switch mode {
	case "", "optional":
		return AuthModeOptional, nil
	case "disabled":
		return AuthModeDisabled, nil
	case "required":
		return AuthModeRequired, nil
	default:
		return "", fmt.Errorf("invalid auth mode: %q (must be disabled, optional, or required)", mode)
	}
}

// HostClaims identifies the calling host.
type HostClaims struct {
	Subject string
	Role    string
}

type contextKey string

const hostKey contextKey = "host"

// Auth returns middleware that validates host bearer tokens.
//   - disabled: passes all requests through as operator
//   - optional: validates a token if present, allows anonymous (viewer)
//   - required: rejects requests without a valid token
func Auth(cfg AuthConfig) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cfg.Mode == AuthModeDisabled {
				ctx := context.WithValue(r.Context(), hostKey, &HostClaims{Subject: "local", Role: RoleOperator})
				next(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if cfg.Mode == AuthModeRequired {
					slog.Debug("Auth rejected: no token", "path", r.URL.Path)
					reject(w, http.StatusUnauthorized, ReasonUnauthenticated, "authentication required")
					return
				}
				next(w, r)
				return
			}

			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				slog.Debug("Auth rejected: invalid format", "path", r.URL.Path)
				reject(w, http.StatusUnauthorized, ReasonInvalidToken, "expected a bearer token")
				return
			}
			if cfg.Verifier == nil {
				slog.Debug("Auth rejected: no verifier configured", "path", r.URL.Path)
				reject(w, http.StatusUnauthorized, ReasonInvalidToken, "bearer tokens are not configured")
				return
			}

			hc, err := cfg.Verifier.VerifyAndParse(token)
			if err != nil {
				slog.Debug("Auth rejected: invalid token", "path", r.URL.Path, "error", err)
				reject(w, http.StatusUnauthorized, ReasonInvalidToken, "invalid token")
				return
			}

			claims := &HostClaims{Subject: hc.Subject, Role: hc.Role}
			slog.Debug("Auth: valid bearer token", "path", r.URL.Path, "host", claims.Subject)
			ctx := context.WithValue(r.Context(), hostKey, claims)
			next(w, r.WithContext(ctx))
		}
	}
}

// HostFrom returns the host authenticated by Auth, or nil for anonymous requests.
func HostFrom(r *http.Request) *HostClaims {
	claims, ok := r.Context().Value(hostKey).(*HostClaims)
	if !ok {
		return nil
	}
	return claims
}
