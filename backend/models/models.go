// ABOUTME: Request and response bodies of the broker HTTP API
// ABOUTME: Shared by handlers and documented for host integrations

package models

import "time"

// StepRequest submits the named fields of one flow step.
type StepRequest struct {
	Fields map[string]string `json:"fields"`
}

// ImportRequest runs the import shortcut. Exactly one of Password or XToken is expected.
type ImportRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	XToken   string `json:"x_token,omitempty"`
}

// HealthResponse reports liveness and which backends are in use.
type HealthResponse struct {
	Status       string            `json:"status"`
	FlowStore    string            `json:"flow_store"`
	AccountStore string            `json:"account_store"`
	Checks       map[string]string `json:"checks,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
}

// AccountListResponse wraps the account listing.
type AccountListResponse struct {
	Accounts []*AccountResponse `json:"accounts"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    int    `json:"code"`
}
