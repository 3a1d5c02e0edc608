// ABOUTME: Issues and verifies HS256 bearer tokens for hosts calling the broker
// ABOUTME: Tokens carry the host identity as sub and its permission level as role

package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"

	hostTokenIssuer    = "yandex-auth-broker"
	minHostTokenSecret = 32
)

var ErrInvalidHostToken = errors.New("invalid host token")

// HostClaims are the claims of a host bearer token.
type HostClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// HostTokens signs and verifies host bearer tokens with a shared secret.
type HostTokens struct {
	secret []byte
	now    func() time.Time
}

func NewHostTokens(secret string) (*HostTokens, error) {
	if len(secret) < minHostTokenSecret {
		return nil, fmt.Errorf("host token secret must be at least %d bytes", minHostTokenSecret)
	}
	return &HostTokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue returns a signed token for subject. A zero ttl issues a token without expiry.
func (h *HostTokens) Issue(subject, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("host token subject is required")
	}
	if role != RoleViewer && role != RoleOperator {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := h.now()
	claims := HostClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   hostTokenIssuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign host token: %w", err)
	}
	return signed, nil
}

// VerifyAndParse checks the signature, issuer and expiry of token and returns its claims.
func (h *HostTokens) VerifyAndParse(token string) (*HostClaims, error) {
	claims := &HostClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return h.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(hostTokenIssuer),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHostToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidHostToken)
	}
	if claims.Role != RoleViewer && claims.Role != RoleOperator {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidHostToken, claims.Role)
	}
	return claims, nil
}
