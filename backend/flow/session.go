// ABOUTME: Identity-provider session contract used by the controller
// ABOUTME: Sessions are restored from serialized state so any replica can resume a flow

package flow

import (
	"context"
	"encoding/json"
)

// SessionState is the serialized form of a provider session handle. It is
// owned by exactly one Attempt.
type SessionState json.RawMessage

// MarshalJSON keeps the raw state inline when an Attempt is persisted.
func (s SessionState) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON stores the raw state without interpreting it.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	*s = append((*s)[:0], data...)
	return nil
}

// Session is one live conversation with the identity provider. Every method
// performs one logical round trip and reports provider-level problems inside
// the returned LoginResponse; a Go error means no classifiable response exists.
type Session interface {
	LoginUsername(ctx context.Context, username, password string) (*LoginResponse, error)
	LoginCookies(ctx context.Context, cookies string) (*LoginResponse, error)
	ValidateToken(ctx context.Context, token string) (*LoginResponse, error)
	SubmitCaptcha(ctx context.Context, answer string) (*LoginResponse, error)

	// State snapshots the handle so it can be restored by Provider.Open.
	State() SessionState
	// Close releases the handle. The session must not be used afterwards.
	Close() error
}

// Provider opens sessions. A nil or empty state starts a fresh session.
type Provider interface {
	Open(ctx context.Context, state SessionState) (Session, error)
}
