// ABOUTME: Yandex Passport client implementing the identity-provider session
// ABOUTME: Maps Passport JSON replies onto classified login responses

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
)

const (
	DefaultPassportURL = "https://mobileproxy.passport.yandex.net"
	DefaultOAuthURL    = "https://oauth.mobile.yandex.net"

	// Error codes reported for problems below the Passport protocol.
	CodeNetworkUnavailable = "network.unavailable"
	CodeBackendUnavailable = "backend.unavailable"
	CodeAccountNotFound    = "account.not_found"
	CodeTrackNotFound      = "track.not_found"
)

var (
	ErrSessionClosed       = errors.New("passport session closed")
	ErrMusicNotConfigured  = errors.New("music client credentials not configured")
	ErrPassportRejected    = errors.New("passport rejected request")
	errPassportTransport   = errors.New("passport transport failure")
	errPassportBadResponse = errors.New("passport returned an unreadable response")
)

// PassportConfig holds endpoints and application credentials.
type PassportConfig struct {
	BaseURL            string
	OAuthURL           string
	ClientID           string
	ClientSecret       string
	XTokenClientID     string
	XTokenClientSecret string
	MusicClientID      string
	MusicClientSecret  string
	Proxy              string
}

// PassportProvider opens Passport sessions and refreshes stored credentials.
type PassportProvider struct {
	cfg    PassportConfig
	client *http.Client
}

// NewPassportProvider builds a provider whose requests go through cfg.Proxy.
// Requests carry no client-level timeout; each caller bounds them with its context.
func NewPassportProvider(cfg PassportConfig) (*PassportProvider, error) {
	transport, err := NewPassportTransport(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	return NewPassportProviderWithClient(cfg, &http.Client{Transport: transport}), nil
}

// NewPassportProviderWithClient uses client as is, except that redirects are
// never followed so Set-Cookie headers stay visible.
func NewPassportProviderWithClient(cfg PassportConfig, client *http.Client) *PassportProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPassportURL
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.OAuthURL = strings.TrimRight(cfg.OAuthURL, "/")
	if cfg.XTokenClientID == "" {
		cfg.XTokenClientID, cfg.XTokenClientSecret = cfg.ClientID, cfg.ClientSecret
	}

	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &PassportProvider{cfg: cfg, client: &c}
}

// Open restores a session from state, or starts a fresh one.
func (p *PassportProvider) Open(ctx context.Context, state flow.SessionState) (flow.Session, error) {
	s := &PassportSession{provider: p, state: passportState{Cookies: map[string]string{}}}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &s.state); err != nil {
			return nil, fmt.Errorf("decode passport session: %w", err)
		}
		if s.state.Cookies == nil {
			s.state.Cookies = map[string]string{}
		}
	}
	return s, nil
}

type passportState struct {
	TrackID string            `json:"track_id,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

// passportReply covers every Passport JSON body the broker reads.
type passportReply struct {
	Status          string   `json:"status"`
	Errors          []string `json:"errors"`
	TrackID         string   `json:"track_id"`
	CanAuthorize    bool     `json:"can_authorize"`
	CanRegister     bool     `json:"can_register"`
	XToken          string   `json:"x_token"`
	AccessToken     string   `json:"access_token"`
	DisplayLogin    string   `json:"display_login"`
	CaptchaImageURL string   `json:"captcha_image_url"`
	RedirectURL     string   `json:"redirect_url"`
	PassportHost    string   `json:"passport_host"`
	Error           string   `json:"error"`
	ErrorDesc       string   `json:"error_description"`
}

func (r passportReply) hasError(code string) bool {
	for _, e := range r.Errors {
		if e == code {
			return true
		}
	}
	return false
}

// loginResponse classifies a Passport authentication reply. Replies matching
// nothing are returned empty so the controller treats them as unclassified.
func (r passportReply) loginResponse() *flow.LoginResponse {
	switch {
	case r.Status == "ok" && r.XToken != "":
		return flow.Success(r.DisplayLogin, r.XToken)
	case r.RedirectURL != "":
		return flow.External(r.RedirectURL)
	case r.CaptchaImageURL != "" && (r.hasError("captcha.required") || len(r.Errors) == 0):
		return flow.Captcha(r.CaptchaImageURL)
	case len(r.Errors) > 0:
		return flow.Failure(r.Errors[0])
	default:
		return &flow.LoginResponse{}
	}
}

// PassportSession is one login conversation. It is not safe for concurrent use.
type PassportSession struct {
	provider *PassportProvider
	state    passportState
	closed   bool
}

var _ flow.Session = (*PassportSession)(nil)

// LoginUsername starts a track for username and commits the password to it.
func (s *PassportSession) LoginUsername(ctx context.Context, username, password string) (*flow.LoginResponse, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	cfg := s.provider.cfg

	var start passportReply
	err := s.postForm(ctx, cfg.BaseURL+"/2/bundle/mobile/start/", url.Values{
		"client_id":             {cfg.ClientID},
		"client_secret":         {cfg.ClientSecret},
		"x_token_client_id":     {cfg.XTokenClientID},
		"x_token_client_secret": {cfg.XTokenClientSecret},
		"display_language":      {"ru"},
		"login":                 {username},
	}, nil, &start)
	if err != nil {
		return failureFor(ctx, err)
	}
	if start.Status != "ok" {
		return start.loginResponse(), nil
	}
	if !start.CanAuthorize {
		if start.CanRegister {
			return flow.Failure(CodeAccountNotFound), nil
		}
		return start.loginResponse(), nil
	}
	s.state.TrackID = start.TrackID

	return s.commit(ctx, url.Values{"track_id": {s.state.TrackID}, "password": {password}})
}

// SubmitCaptcha answers the captcha raised on the current track.
func (s *PassportSession) SubmitCaptcha(ctx context.Context, answer string) (*flow.LoginResponse, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.state.TrackID == "" {
		return flow.Failure(CodeTrackNotFound), nil
	}
	return s.commit(ctx, url.Values{"track_id": {s.state.TrackID}, "captcha_answer": {answer}})
}

func (s *PassportSession) commit(ctx context.Context, form url.Values) (*flow.LoginResponse, error) {
	var reply passportReply
	if err := s.postForm(ctx, s.provider.cfg.BaseURL+"/1/bundle/mobile/auth/password/", form, nil, &reply); err != nil {
		return failureFor(ctx, err)
	}
	if reply.TrackID != "" {
		s.state.TrackID = reply.TrackID
	}
	if reply.Status == "ok" && reply.XToken != "" && reply.DisplayLogin == "" {
		return s.ValidateToken(ctx, reply.XToken)
	}
	return reply.loginResponse(), nil
}

// LoginCookies exchanges browser session cookies for an x_token.
func (s *PassportSession) LoginCookies(ctx context.Context, cookies string) (*flow.LoginResponse, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	header, err := NormalizeCookies(cookies)
	if err != nil {
		return flow.Failure("cookies.invalid"), nil
	}
	cfg := s.provider.cfg

	var reply passportReply
	err = s.postForm(ctx, cfg.BaseURL+"/1/bundle/oauth/token_by_sessionid", url.Values{
		"client_id":     {cfg.XTokenClientID},
		"client_secret": {cfg.XTokenClientSecret},
	}, http.Header{
		"Ya-Client-Host":   {"passport.yandex.ru"},
		"Ya-Client-Cookie": {header},
	}, &reply)
	if err != nil {
		return failureFor(ctx, err)
	}
	if reply.AccessToken == "" {
		return reply.loginResponse(), nil
	}
	return s.ValidateToken(ctx, reply.AccessToken)
}

// ValidateToken checks token against the account info endpoint.
func (s *PassportSession) ValidateToken(ctx context.Context, token string) (*flow.LoginResponse, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.provider.cfg.BaseURL+"/1/bundle/account/short_info/?avatar_size=islands-300", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	var reply passportReply
	if err := s.do(req, &reply); err != nil {
		return failureFor(ctx, err)
	}
	if reply.Status == "ok" && reply.DisplayLogin != "" {
		return flow.Success(reply.DisplayLogin, token), nil
	}
	return reply.loginResponse(), nil
}

// State snapshots the track and cookies.
func (s *PassportSession) State() flow.SessionState {
	data, err := json.Marshal(s.state)
	if err != nil {
		return nil
	}
	return flow.SessionState(data)
}

// Close drops the track and cookies.
func (s *PassportSession) Close() error {
	s.closed = true
	s.state = passportState{}
	return nil
}

func (s *PassportSession) postForm(ctx context.Context, endpoint string, form url.Values, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return s.do(req, out)
}

func (s *PassportSession) do(req *http.Request, out any) error {
	for name, value := range s.state.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errPassportTransport, err)
	}
	defer resp.Body.Close()

	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 {
			delete(s.state.Cookies, c.Name)
			continue
		}
		s.state.Cookies[c.Name] = c.Value
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", errPassportTransport, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		slog.Warn("Passport returned non-JSON body", "url", req.URL.Path, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", errPassportBadResponse, resp.StatusCode)
	}
	return nil
}

// failureFor converts request errors into classified failures. Context
// errors pass through so the controller can see its own deadline.
func failureFor(ctx context.Context, err error) (*flow.LoginResponse, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, errPassportBadResponse) {
		return flow.Failure(CodeBackendUnavailable), nil
	}
	slog.Warn("Passport request failed", "error", err)
	return flow.Failure(CodeNetworkUnavailable), nil
}

// RefreshCookies trades an x_token for fresh web session cookies, returned as
// a Cookie header value.
func (p *PassportProvider) RefreshCookies(ctx context.Context, xToken string) (string, error) {
	sess := &PassportSession{provider: p, state: passportState{Cookies: map[string]string{}}}

	var track passportReply
	err := sess.postForm(ctx, p.cfg.BaseURL+"/1/bundle/auth/x_token/", url.Values{
		"type":    {"x-token"},
		"retpath": {"https://www.yandex.ru"},
	}, http.Header{"Ya-Consumer-Authorization": {"OAuth " + xToken}}, &track)
	if err != nil {
		return "", err
	}
	if track.Status != "ok" || track.TrackID == "" {
		return "", fmt.Errorf("%w: x_token exchange: %s", ErrPassportRejected, strings.Join(track.Errors, ","))
	}

	host := track.PassportHost
	if host == "" {
		host = p.cfg.BaseURL
	}
	sessionURL := strings.TrimRight(host, "/") + "/auth/session/?track_id=" + url.QueryEscape(track.TrackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errPassportTransport, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	for _, c := range resp.Cookies() {
		sess.state.Cookies[c.Name] = c.Value
	}
	if len(sess.state.Cookies) == 0 {
		return "", fmt.Errorf("%w: no session cookies issued (status %d)", ErrPassportRejected, resp.StatusCode)
	}
	return cookieHeader(sess.state.Cookies), nil
}

// MusicToken trades an x_token for a Yandex Music OAuth token.
func (p *PassportProvider) MusicToken(ctx context.Context, xToken string) (string, error) {
	if p.cfg.MusicClientID == "" {
		return "", ErrMusicNotConfigured
	}
	sess := &PassportSession{provider: p, state: passportState{Cookies: map[string]string{}}}

	var reply passportReply
	err := sess.postForm(ctx, p.cfg.OAuthURL+"/1/token", url.Values{
		"client_id":     {p.cfg.MusicClientID},
		"client_secret": {p.cfg.MusicClientSecret},
		"grant_type":    {"x-token"},
		"access_token":  {xToken},
	}, nil, &reply)
	if err != nil {
		return "", err
	}
	if reply.AccessToken == "" {
		return "", fmt.Errorf("%w: music token: %s %s", ErrPassportRejected, reply.Error, reply.ErrorDesc)
	}
	return reply.AccessToken, nil
}

// NormalizeCookies accepts a raw Cookie header or a JSON array of
// {"name","value"} objects exported from a browser.
func NormalizeCookies(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty cookies")
	}
	if !strings.HasPrefix(raw, "[") {
		return raw, nil
	}

	var exported []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &exported); err != nil {
		return "", fmt.Errorf("parse exported cookies: %w", err)
	}
	cookies := make(map[string]string, len(exported))
	for _, c := range exported {
		if c.Name != "" {
			cookies[c.Name] = c.Value
		}
	}
	if len(cookies) == 0 {
		return "", errors.New("no cookies in export")
	}
	return cookieHeader(cookies), nil
}

func cookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + cookies[name]
	}
	return strings.Join(parts, "; ")
}
