// ABOUTME: Tests for flow, account and health handlers
// ABOUTME: Drives the HTTP surface end to end over memory stores and a scripted provider

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
	"github.com/glebsterx/yandex-smart-home/backend/models"
	"github.com/glebsterx/yandex-smart-home/backend/services"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	resp := decode[models.HealthResponse](t, rec)
	if resp.Status != "ok" || resp.FlowStore != "memory" || resp.AccountStore != "memory" {
		t.Errorf("got %+v", resp)
	}
}

func TestHealth_NotConfigured(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	env := &testEnv{mux: http.NewServeMux()}
	env.mux.HandleFunc("GET /api/v1/health", h.Health)
	resp := decode[models.HealthResponse](t, env.do(t, http.MethodGet, "/api/v1/health", nil))
	if resp.FlowStore != "not_configured" {
		t.Errorf("got flow_store %q, want not_configured", resp.FlowStore)
	}
}

func TestStartFlow_ReturnsMethodForm(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/flows", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("got %d, want 201", rec.Code)
	}
	resp := decode[FlowResponse](t, rec)
	if resp.FlowID == "" {
		t.Fatal("missing flow id")
	}
	if resp.Step != "user" || resp.Directive.Type != flow.DirectiveForm {
		t.Errorf("got step %q type %q, want user form", resp.Step, resp.Directive.Type)
	}
	if len(resp.Directive.Fields) != 1 || resp.Directive.Fields[0].Name != "method" {
		t.Errorf("got fields %+v, want method select", resp.Directive.Fields)
	}
	if env.provider.calls != 0 {
		t.Errorf("got %d provider calls on start, want 0", env.provider.calls)
	}
}

func TestPasswordFlow_CreatesRedactedAccount(t *testing.T) {
	env := newTestEnv(t)
	env.provider.script(flow.Success("alice", "xt-secret"))
	id := env.start(t)

	rec := env.step(t, id, "user", map[string]string{"method": "auth"})
	if got := decode[FlowResponse](t, rec).Step; got != "auth" {
		t.Fatalf("got step %q, want auth", got)
	}

	rec = env.step(t, id, "auth", map[string]string{"username": "alice", "password": "hunter2"})
	resp := decode[FlowResponse](t, rec)
	if resp.Step != "options" {
		t.Fatalf("got step %q, want options", resp.Step)
	}
	if resp.Directive.Placeholders["display_login"] != "alice" {
		t.Errorf("got placeholders %v", resp.Directive.Placeholders)
	}

	rec = env.step(t, id, "options", map[string]string{"skill_name": "home", "skill_user_id": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "xt-secret") {
		t.Fatalf("response leaked x_token: %s", rec.Body)
	}
	resp = decode[FlowResponse](t, rec)
	if resp.Directive.Type != flow.DirectiveCreateEntry {
		t.Fatalf("got directive %q, want create_entry", resp.Directive.Type)
	}
	if resp.Account == nil || !resp.Account.HasXToken || resp.Account.UniqueID != "alice" {
		t.Fatalf("got account %+v", resp.Account)
	}
	if resp.Account.Skill == nil || resp.Account.Skill.UserID != "u1" {
		t.Errorf("got skill %+v, want u1", resp.Account.Skill)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/flows/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("finished flow: got %d, want 404", rec.Code)
	}
	if env.provider.closed == 0 {
		t.Error("session was not released on completion")
	}
}

func TestSubmitStep_CredentialErrorReshowsForm(t *testing.T) {
	env := newTestEnv(t)
	env.provider.script(flow.Failure("password.not_matched"))
	id := env.start(t)
	env.step(t, id, "user", map[string]string{"method": "auth"})

	rec := env.step(t, id, "auth", map[string]string{"username": "alice", "password": "wrong"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	resp := decode[FlowResponse](t, rec)
	if resp.Step != "auth" || resp.Directive.Errors["base"] != "password.not_matched" {
		t.Errorf("got step %q errors %v", resp.Step, resp.Directive.Errors)
	}
}

func TestSubmitStep_CaptchaPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	env.provider.script(flow.Captcha("https://captcha.example/img.png"))
	id := env.start(t)
	env.step(t, id, "user", map[string]string{"method": "auth"})

	resp := decode[FlowResponse](t, env.step(t, id, "auth", map[string]string{"username": "a", "password": "p"}))
	if resp.Step != "captcha" {
		t.Fatalf("got step %q, want captcha", resp.Step)
	}
	if resp.Directive.Placeholders["captcha_url"] != "https://captcha.example/img.png" {
		t.Errorf("got placeholders %v", resp.Directive.Placeholders)
	}

	get := decode[FlowResponse](t, env.do(t, http.MethodGet, "/api/v1/flows/"+resp.FlowID, nil))
	if get.Step != "captcha" || get.Directive.Placeholders["captcha_url"] == "" {
		t.Errorf("GET re-render lost captcha: %+v", get)
	}
}

func TestSubmitStep_CallerMistakes(t *testing.T) {
	tests := []struct {
		name       string
		step       string
		body       any
		wantStatus int
		wantReason string
	}{
		{"wrong step", "auth", map[string]any{"fields": map[string]string{"username": "a", "password": "p"}}, http.StatusConflict, "wrong_step"},
		{"missing field", "user", map[string]any{"fields": map[string]string{}}, http.StatusBadRequest, "invalid_input"},
		{"unknown method", "user", map[string]any{"fields": map[string]string{"method": "sms"}}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id := env.start(t)
			rec := env.do(t, http.MethodPost, "/api/v1/flows/"+id+"/steps/"+tt.step, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("got %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			resp := decode[flowErrorResponse](t, rec)
			if resp.Reason != tt.wantReason {
				t.Errorf("got reason %q, want %q", resp.Reason, tt.wantReason)
			}
			if resp.Directive == nil || resp.Step != "user" {
				t.Errorf("caller mistake should return the current form, got %+v", resp)
			}
			if env.provider.calls != 0 {
				t.Errorf("got %d provider calls, want 0", env.provider.calls)
			}
		})
	}
}

func TestSubmitStep_BadJSON(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+id+"/steps/user", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rec.Code)
	}
}

func TestSubmitStep_UnknownFlow(t *testing.T) {
	env := newTestEnv(t)
	rec := env.step(t, "missing", "user", map[string]string{"method": "auth"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
	if got := decode[models.ErrorResponse](t, rec).Reason; got != "flow_not_found" {
		t.Errorf("got reason %q, want flow_not_found", got)
	}
}

func TestSubmitStep_FatalOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(p *scriptedProvider)
		wantStatus int
		wantReason string
	}{
		{"provider error", func(p *scriptedProvider) { p.scriptErr(errors.New("connection reset")) }, http.StatusBadGateway, "provider_fault"},
		{"unclassified", func(p *scriptedProvider) { p.script(&flow.LoginResponse{}) }, http.StatusBadGateway, "provider_fault"},
		{"ambiguous", func(p *scriptedProvider) {
			p.script(&flow.LoginResponse{Error: "x", CaptchaImageURL: "https://c"})
		}, http.StatusBadGateway, "provider_fault"},
		{"timeout", func(p *scriptedProvider) { p.block = true }, http.StatusGatewayTimeout, "round_trip_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.provider)
			id := env.start(t)
			env.step(t, id, "user", map[string]string{"method": "token"})

			rec := env.step(t, id, "token", map[string]string{"token": "oauth-token"})
			if rec.Code != tt.wantStatus {
				t.Fatalf("got %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := decode[models.ErrorResponse](t, rec).Reason; got != tt.wantReason {
				t.Errorf("got reason %q, want %q", got, tt.wantReason)
			}
			if rec := env.do(t, http.MethodGet, "/api/v1/flows/"+id, nil); rec.Code != http.StatusNotFound {
				t.Errorf("flow should be dropped after a fatal error, got %d", rec.Code)
			}
		})
	}
}

func TestCancelFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)

	if rec := env.do(t, http.MethodDelete, "/api/v1/flows/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/flows/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second cancel: got %d, want 404", rec.Code)
	}
}

func TestImportAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/flows/import", models.ImportRequest{Username: "bob", XToken: "xt-bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body)
	}
	resp := decode[FlowResponse](t, rec)
	if resp.Directive.Type != flow.DirectiveCreateEntry || resp.Account == nil || resp.Account.Title != "bob" {
		t.Fatalf("got %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/flows/import", models.ImportRequest{Username: "bob", Password: "pw"})
	resp = decode[FlowResponse](t, rec)
	if resp.Directive.Type != flow.DirectiveAbort || resp.Directive.Reason != flow.ReasonAlreadyConfigured {
		t.Errorf("got %+v, want abort already_configured", resp.Directive)
	}
	if env.provider.calls != 0 {
		t.Errorf("got %d provider calls, want 0", env.provider.calls)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/flows/import", models.ImportRequest{Username: "carol"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing secret: got %d, want 400", rec.Code)
	}
}

func TestImportAccount_PasswordContinuesFlow(t *testing.T) {
	env := newTestEnv(t)
	env.provider.script(flow.Captcha("https://captcha.example/1"))

	rec := env.do(t, http.MethodPost, "/api/v1/flows/import", models.ImportRequest{Username: "dave", Password: "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("got %d, want 201: %s", rec.Code, rec.Body)
	}
	resp := decode[FlowResponse](t, rec)
	if resp.Step != "captcha" {
		t.Fatalf("got step %q, want captcha", resp.Step)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/flows/"+resp.FlowID, nil); rec.Code != http.StatusOK {
		t.Errorf("continued import flow should be stored, got %d", rec.Code)
	}
}

func seedAccount(t *testing.T, env *testEnv, uniqueID string, creds models.CredentialBlob) *models.Account {
	t.Helper()
	now := time.Now().UTC()
	acc := &models.Account{ID: "id-" + uniqueID, UniqueID: uniqueID, Title: uniqueID, Credentials: creds, CreatedAt: now, UpdatedAt: now}
	if err := env.accounts.Create(context.Background(), acc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return acc
}

func TestAccounts_ListGetDelete(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, "alice", models.CredentialBlob{XToken: "xt-a", Cookie: "c-a"})
	seedAccount(t, env, "bob", models.CredentialBlob{XToken: "xt-b"})

	rec := env.do(t, http.MethodGet, "/api/v1/accounts", nil)
	for _, secret := range []string{"xt-a", "c-a", "xt-b"} {
		if strings.Contains(rec.Body.String(), secret) {
			t.Fatalf("list leaked %q", secret)
		}
	}
	list := decode[models.AccountListResponse](t, rec)
	if len(list.Accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(list.Accounts))
	}

	got := decode[models.AccountResponse](t, env.do(t, http.MethodGet, "/api/v1/accounts/id-alice", nil))
	if !got.HasCookie || got.UniqueID != "alice" {
		t.Errorf("got %+v", got)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/accounts/id-alice", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/accounts/id-alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("deleted account: got %d, want 404", rec.Code)
	}
}

func TestAccounts_Refresh(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, "alice", models.CredentialBlob{XToken: "xt-a", Cookie: "Session_id=old"})
	seedAccount(t, env, "ghost", models.CredentialBlob{})

	rec := env.do(t, http.MethodPost, "/api/v1/accounts/id-alice/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body)
	}
	res := decode[services.RefreshResult](t, rec)
	if !res.CookieRotated {
		t.Errorf("got %+v, want cookie rotated", res)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/id-ghost/refresh", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("no x_token: got %d, want 422", rec.Code)
	}

	all := decode[RefreshAllResponse](t, env.do(t, http.MethodPost, "/api/v1/accounts/refresh", nil))
	if len(all.Results) != 2 || all.Failed != 1 {
		t.Errorf("got %d results %d failed, want 2 and 1", len(all.Results), all.Failed)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{services.ErrFlowNotFound, http.StatusNotFound},
		{flow.ErrInvalidInput, http.StatusBadRequest},
		{flow.ErrWrongStep, http.StatusConflict},
		{flow.ErrFlowFinished, http.StatusConflict},
		{services.ErrFlowConflict, http.StatusConflict},
		{flow.ErrRoundTripTimeout, http.StatusGatewayTimeout},
		{flow.ErrIncompleteResponse, http.StatusBadGateway},
		{flow.ErrProviderFailure, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _ := errorStatus(tt.err); got != tt.status {
				t.Errorf("got %d, want %d", got, tt.status)
			}
		})
	}
}
