// ABOUTME: HTTP client for the credential broker API
// ABOUTME: Wraps flow and account calls with CLI-friendly error messages

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a running broker.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL. token is sent as a bearer token when set.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HealthResponse represents GET /api/v1/health.
type HealthResponse struct {
	Status       string            `json:"status"`
	FlowStore    string            `json:"flow_store"`
	AccountStore string            `json:"account_store"`
	Checks       map[string]string `json:"checks,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
}

// Field is one input a form asks for.
type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// Directive tells the CLI what to show next.
type Directive struct {
	Type         string            `json:"type"`
	Step         string            `json:"step,omitempty"`
	Fields       []Field           `json:"fields,omitempty"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	Title        string            `json:"title,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// Terminal reports whether the directive ends the flow.
func (d Directive) Terminal() bool {
	return d.Type != "form"
}

// SkillBinding names the smart-home skill an account is linked to.
type SkillBinding struct {
	Name   string `json:"skill_name"`
	UserID string `json:"skill_user_id"`
}

// Account is the redacted account view served by the broker.
type Account struct {
	ID            string        `json:"id"`
	UniqueID      string        `json:"unique_id"`
	Title         string        `json:"title"`
	Skill         *SkillBinding `json:"skill,omitempty"`
	HasXToken     bool          `json:"has_x_token"`
	HasMusicToken bool          `json:"has_music_token"`
	HasCookie     bool          `json:"has_cookie"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// FlowResponse is returned by every flow endpoint.
type FlowResponse struct {
	FlowID    string    `json:"flow_id"`
	Step      string    `json:"step"`
	Directive Directive `json:"directive"`
	Account   *Account  `json:"account,omitempty"`
}

// RefreshResult reports one account's credential rotation.
type RefreshResult struct {
	AccountID         string `json:"account_id"`
	UniqueID          string `json:"unique_id"`
	CookieRotated     bool   `json:"cookie_rotated"`
	MusicTokenRotated bool   `json:"music_token_rotated"`
	Error             string `json:"error,omitempty"`
}

// RefreshAllResponse represents POST /api/v1/accounts/refresh.
type RefreshAllResponse struct {
	Results []RefreshResult `json:"results"`
	Failed  int             `json:"failed"`
}

// ImportRequest is the body of POST /api/v1/flows/import.
type ImportRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	XToken   string `json:"x_token,omitempty"`
}

// ErrorResponse represents an API error. Step errors also carry the
// current form so it can be shown again.
type ErrorResponse struct {
	Error     string     `json:"error"`
	Details   string     `json:"details,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Code      int        `json:"code"`
	FlowID    string     `json:"flow_id,omitempty"`
	Step      string     `json:"step,omitempty"`
	Directive *Directive `json:"directive,omitempty"`
}

// APIError is returned for any non-2xx response the broker explained.
type APIError struct {
	Status int
	Body   ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Reason != "" {
		return fmt.Sprintf("backend error: %s (%s)", e.Body.Error, e.Body.Reason)
	}
	return fmt.Sprintf("backend error: %s", e.Body.Error)
}

// Flow returns the form attached to a rejected step, if any.
func (e *APIError) Flow() (*FlowResponse, bool) {
	if e.Body.Directive == nil || e.Body.FlowID == "" {
		return nil, false
	}
	return &FlowResponse{FlowID: e.Body.FlowID, Step: e.Body.Step, Directive: *e.Body.Directive}, true
}

// StatusOf returns the HTTP status behind err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Health calls GET /api/v1/health. A degraded broker answers 503 with a
// body, which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid response from backend: %w", err)
	}

	var health HealthResponse
	if resp.StatusCode == http.StatusServiceUnavailable {
		if json.Unmarshal(body, &health) == nil && health.Status != "" {
			return &health, fmt.Errorf("backend degraded")
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromBody(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("invalid response from backend: %w", err)
	}
	return &health, nil
}

// StartFlow calls POST /api/v1/flows.
func (c *Client) StartFlow(ctx context.Context) (*FlowResponse, error) {
	var out FlowResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/flows", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFlow calls GET /api/v1/flows/{id}.
func (c *Client) GetFlow(ctx context.Context, id string) (*FlowResponse, error) {
	var out FlowResponse
	if err := c.call(ctx, http.MethodGet, "/api/v1/flows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitStep calls POST /api/v1/flows/{id}/steps/{step}.
func (c *Client) SubmitStep(ctx context.Context, id, step string, fields map[string]string) (*FlowResponse, error) {
	path := "/api/v1/flows/" + url.PathEscape(id) + "/steps/" + url.PathEscape(step)
	var out FlowResponse
	if err := c.call(ctx, http.MethodPost, path, map[string]any{"fields": fields}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelFlow calls DELETE /api/v1/flows/{id}.
func (c *Client) CancelFlow(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/flows/"+url.PathEscape(id), nil, nil)
}

// Import calls POST /api/v1/flows/import.
func (c *Client) Import(ctx context.Context, in ImportRequest) (*FlowResponse, error) {
	var out FlowResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/flows/import", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAccounts calls GET /api/v1/accounts.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// GetAccount calls GET /api/v1/accounts/{id}.
func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	var out Account
	if err := c.call(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAccount calls DELETE /api/v1/accounts/{id}.
func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/accounts/"+url.PathEscape(id), nil, nil)
}

// RefreshAccount calls POST /api/v1/accounts/{id}/refresh.
func (c *Client) RefreshAccount(ctx context.Context, id string) (*RefreshResult, error) {
	var out RefreshResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/accounts/"+url.PathEscape(id)+"/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshAll calls POST /api/v1/accounts/refresh.
func (c *Client) RefreshAll(ctx context.Context) (*RefreshAllResponse, error) {
	var out RefreshAllResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/accounts/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call sends in as JSON and decodes a 2xx body into out. out may be nil.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from backend: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal input: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.handleRequestError(ctx, err)
	}
	return resp, nil
}

// handleRequestError converts context errors to user-friendly messages
func (c *Client) handleRequestError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("request canceled")
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("request timed out")
	}
	return fmt.Errorf("cannot connect to backend at %s: %w", c.baseURL, err)
}

// handleErrorResponse parses API error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Status: resp.StatusCode, Body: ErrorResponse{Error: fmt.Sprintf("backend returned status %d", resp.StatusCode)}}
	}
	return c.errorFromBody(resp.StatusCode, body)
}

func (c *Client) errorFromBody(status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		errResp = ErrorResponse{Error: fmt.Sprintf("backend returned status %d", status), Code: status}
	}
	return &APIError{Status: status, Body: errResp}
}
