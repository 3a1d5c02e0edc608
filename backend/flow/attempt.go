// ABOUTME: Immutable login attempt threaded through each transition
// ABOUTME: Every step returns a modified copy instead of mutating shared state

package flow

import "time"

// CredentialKind names what was last submitted to the provider.
type CredentialKind string

const (
	CredentialNone     CredentialKind = ""
	CredentialPassword CredentialKind = "password"
	CredentialCookie   CredentialKind = "cookie"
	CredentialToken    CredentialKind = "token"
	CredentialCaptcha  CredentialKind = "captcha"
)

// Credentials is the union of inputs a step can submit. Only Kind and
// Username are persisted with the attempt.
type Credentials struct {
	Kind          CredentialKind `json:"kind,omitempty"`
	Username      string         `json:"username,omitempty"`
	Password      string         `json:"-"`
	Cookie        string         `json:"-"`
	Token         string         `json:"-"`
	CaptchaAnswer string         `json:"-"`
}

// Attempt is one login negotiation. Values are never mutated after
// construction; use the with* helpers to derive the next one.
type Attempt struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Origin    State          `json:"origin"`
	Method    Method         `json:"method,omitempty"`
	Submitted Credentials    `json:"submitted"`
	Session   SessionState   `json:"session,omitempty"`
	Pending   *LoginResponse `json:"pending,omitempty"`
	UniqueID  string         `json:"unique_id,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewAttempt returns an attempt at START.
func NewAttempt(id string, now time.Time) Attempt {
	return Attempt{
		ID:        id,
		State:     StateStart,
		Origin:    StateStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (a Attempt) withState(s State, now time.Time) Attempt {
	next := a.clone()
	next.State = s
	next.Version++
	next.UpdatedAt = now
	return next
}

func (a Attempt) withSubmission(c Credentials) Attempt {
	next := a.clone()
	next.Submitted = Credentials{Kind: c.Kind, Username: c.Username}
	return next
}

func (a Attempt) withResponse(resp *LoginResponse, session SessionState) Attempt {
	next := a.clone()
	r := *resp
	next.Pending = &r
	next.Session = session
	return next
}

func (a Attempt) withOrigin(s State) Attempt {
	next := a.clone()
	next.Origin = s
	return next
}

func (a Attempt) withMethod(m Method) Attempt {
	next := a.clone()
	next.Method = m
	return next
}

func (a Attempt) withUniqueID(id string) Attempt {
	next := a.clone()
	next.UniqueID = id
	return next
}

func (a Attempt) released() Attempt {
	next := a.clone()
	next.Session = nil
	return next
}

// clone copies the reference-typed fields so derived attempts share nothing.
func (a Attempt) clone() Attempt {
	next := a
	if a.Session != nil {
		next.Session = append(SessionState(nil), a.Session...)
	}
	if a.Pending != nil {
		p := *a.Pending
		next.Pending = &p
	}
	return next
}

// PendingError returns the provider error code attached to the attempt, if any.
func (a Attempt) PendingError() string {
	if a.Pending == nil {
		return ""
	}
	return a.Pending.Error
}
