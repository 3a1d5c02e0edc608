// ABOUTME: Test fixtures for handler tests
// ABOUTME: Wires real services over memory stores and a scripted identity provider

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
	"github.com/glebsterx/yandex-smart-home/backend/services"
)

// scriptedProvider replays responses in order across all sessions.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*flow.LoginResponse
	errs      []error
	block     bool
	calls     int
	closed    int
}

func (p *scriptedProvider) script(responses ...*flow.LoginResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range responses {
		p.responses = append(p.responses, r)
		p.errs = append(p.errs, nil)
	}
}

func (p *scriptedProvider) scriptErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, nil)
	p.errs = append(p.errs, err)
}

func (p *scriptedProvider) Open(ctx context.Context, state flow.SessionState) (flow.Session, error) {
	return &scriptedSession{p: p}, nil
}

type scriptedSession struct{ p *scriptedProvider }

func (s *scriptedSession) next(ctx context.Context) (*flow.LoginResponse, error) {
	p := s.p
	p.mu.Lock()
	p.calls++
	if p.block {
		p.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(p.responses) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no scripted response")
	}
	resp, err := p.responses[0], p.errs[0]
	p.responses, p.errs = p.responses[1:], p.errs[1:]
	p.mu.Unlock()
	return resp, err
}

func (s *scriptedSession) LoginUsername(ctx context.Context, _, _ string) (*flow.LoginResponse, error) {
	return s.next(ctx)
}
func (s *scriptedSession) LoginCookies(ctx context.Context, _ string) (*flow.LoginResponse, error) {
	return s.next(ctx)
}
func (s *scriptedSession) ValidateToken(ctx context.Context, _ string) (*flow.LoginResponse, error) {
	return s.next(ctx)
}
func (s *scriptedSession) SubmitCaptcha(ctx context.Context, _ string) (*flow.LoginResponse, error) {
	return s.next(ctx)
}
func (s *scriptedSession) State() flow.SessionState { return flow.SessionState(`{"track_id":"t1"}`) }
func (s *scriptedSession) Close() error {
	s.p.mu.Lock()
	s.p.closed++
	s.p.mu.Unlock()
	return nil
}

// stubSource rotates cookies to a fixed value.
type stubSource struct{ cookie string }

func (s stubSource) RefreshCookies(ctx context.Context, xToken string) (string, error) {
	return s.cookie, nil
}
func (s stubSource) MusicToken(ctx context.Context, xToken string) (string, error) {
	return "", services.ErrMusicNotConfigured
}

type testEnv struct {
	provider *scriptedProvider
	accounts *services.MemoryAccountStore
	flows    *services.FlowService
	handler  *Handler
	mux      *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	provider := &scriptedProvider{}
	accounts := services.NewMemoryAccountStore()
	store := services.NewMemoryFlowStore(time.Minute, nil)
	t.Cleanup(store.Close)

	controller := flow.NewController(flow.Options{
		Provider:         provider,
		Accounts:         accounts,
		RoundTripTimeout: 50 * time.Millisecond,
	})
	flows := services.NewFlowService(controller, store)
	refresher := services.NewAccountRefresher(accounts, stubSource{cookie: "Session_id=fresh"}, 2)
	h := NewHandler(nil, flows, accounts, refresher)

	mux := http.NewServeMux()
	for _, route := range h.Routes() {
		mux.HandleFunc(route.Method+" "+route.Path, route.Handler)
	}
	return &testEnv{provider: provider, accounts: accounts, flows: flows, handler: h, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) step(t *testing.T, flowID, step string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/steps/"+step, map[string]any{"fields": fields})
}

// start creates a flow and returns its id.
func (e *testEnv) start(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/flows", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: got %d, want 201: %s", rec.Code, rec.Body)
	}
	return decode[FlowResponse](t, rec).FlowID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v; body: %s", v, err, rec.Body)
	}
	return v
}
