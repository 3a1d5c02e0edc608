// ABOUTME: Tests for the flow service over the memory flow store
// ABOUTME: Covers persistence between steps, teardown, import and concurrent submissions

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
	"github.com/glebsterx/yandex-smart-home/backend/models"
)

// queueProvider hands out queued responses and counts session closes.
type queueProvider struct {
	mu        sync.Mutex
	responses []*flow.LoginResponse
	err       error
	opened    []string
	closed    int
}

func (p *queueProvider) push(r ...*flow.LoginResponse) {
	p.mu.Lock()
	p.responses = append(p.responses, r...)
	p.mu.Unlock()
}

func (p *queueProvider) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *queueProvider) Open(ctx context.Context, state flow.SessionState) (flow.Session, error) {
	p.mu.Lock()
	p.opened = append(p.opened, string(state))
	p.mu.Unlock()
	return &queueSession{p: p}, nil
}

type queueSession struct{ p *queueProvider }

func (s *queueSession) pop() (*flow.LoginResponse, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.err != nil {
		return nil, s.p.err
	}
	if len(s.p.responses) == 0 {
		return nil, errors.New("queue empty")
	}
	r := s.p.responses[0]
	s.p.responses = s.p.responses[1:]
	return r, nil
}

func (s *queueSession) LoginUsername(context.Context, string, string) (*flow.LoginResponse, error) {
	return s.pop()
}
func (s *queueSession) LoginCookies(context.Context, string) (*flow.LoginResponse, error) {
	return s.pop()
}
func (s *queueSession) ValidateToken(context.Context, string) (*flow.LoginResponse, error) {
	return s.pop()
}
func (s *queueSession) SubmitCaptcha(context.Context, string) (*flow.LoginResponse, error) {
	return s.pop()
}
func (s *queueSession) State() flow.SessionState { return flow.SessionState(`{"track_id":"q"}`) }
func (s *queueSession) Close() error {
	s.p.mu.Lock()
	s.p.closed++
	s.p.mu.Unlock()
	return nil
}

type flowFixture struct {
	provider *queueProvider
	accounts *MemoryAccountStore
	store    *MemoryFlowStore
	svc      *FlowService
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	provider := &queueProvider{}
	accounts := NewMemoryAccountStore()
	store := NewMemoryFlowStore(time.Minute, nil)
	t.Cleanup(store.Close)
	controller := flow.NewController(flow.Options{
		Provider:         provider,
		Accounts:         accounts,
		RoundTripTimeout: time.Second,
	})
	return &flowFixture{provider: provider, accounts: accounts, store: store, svc: NewFlowService(controller, store)}
}

func (f *flowFixture) submit(t *testing.T, id, step string, fields map[string]string) FlowResult {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), id, step, fields)
	if err != nil {
		t.Fatalf("Submit(%s): %v", step, err)
	}
	return res
}

func TestFlowService_StartStoresFlow(t *testing.T) {
	f := newFlowFixture(t)
	res, err := f.svc.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(res.FlowID) < 40 {
		t.Errorf("flow id %q looks too short", res.FlowID)
	}
	if res.Directive.Step != "user" || res.State != flow.StateStart {
		t.Errorf("got step %q state %s, want user", res.Directive.Step, res.State)
	}
	if _, err := f.store.Get(context.Background(), res.FlowID); err != nil {
		t.Errorf("flow not stored: %v", err)
	}

	again, _ := f.svc.Start(context.Background())
	if again.FlowID == res.FlowID {
		t.Error("flow ids must be unique")
	}
}

func TestFlowService_PasswordLoginCreatesAccount(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.push(flow.Success("alice", "xt-1"))
	ctx := context.Background()

	start, _ := f.svc.Start(ctx)
	id := start.FlowID

	res := f.submit(t, id, "user", map[string]string{"method": "auth"})
	if res.Directive.Step != "auth" {
		t.Fatalf("got step %q, want auth", res.Directive.Step)
	}
	res = f.submit(t, id, "auth", map[string]string{"username": "alice", "password": "pw"})
	if res.Directive.Step != "options" || res.Directive.Placeholders["display_login"] != "alice" {
		t.Fatalf("got %+v, want options for alice", res.Directive)
	}

	stored, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("flow missing between steps: %v", err)
	}
	if stored.State != flow.StateAwaitingOptions {
		t.Errorf("stored state %s, want options", stored.State)
	}

	res = f.submit(t, id, "options", map[string]string{"skill_name": "home"})
	if res.Directive.Type != flow.DirectiveCreateEntry || res.Directive.Account == nil {
		t.Fatalf("got %+v, want create_entry", res.Directive)
	}
	if _, err := f.store.Get(ctx, id); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("terminal flow still stored: %v", err)
	}

	acc, _ := f.accounts.Get(ctx, "alice")
	if acc == nil || acc.Credentials.XToken != "xt-1" || acc.Skill == nil || acc.Skill.Name != "home" {
		t.Errorf("got account %+v", acc)
	}
	if f.provider.closes() == 0 {
		t.Error("session was not released on completion")
	}
}

func TestFlowService_SessionCarriedBetweenSteps(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.push(flow.Captcha("https://captcha/1"), flow.Success("alice", "xt"))
	ctx := context.Background()

	start, _ := f.svc.Start(ctx)
	f.submit(t, start.FlowID, "user", map[string]string{"method": "auth"})
	res := f.submit(t, start.FlowID, "auth", map[string]string{"username": "alice", "password": "pw"})
	if res.Directive.Placeholders["captcha_url"] != "https://captcha/1" {
		t.Fatalf("got %+v, want captcha form", res.Directive)
	}
	f.submit(t, start.FlowID, "captcha", map[string]string{"captcha_answer": "abc"})

	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if len(f.provider.opened) < 2 || f.provider.opened[1] != `{"track_id":"q"}` {
		t.Errorf("captcha step did not restore the session: %v", f.provider.opened)
	}
}

func TestFlowService_CallerMistakesKeepFlow(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		fields  map[string]string
		wantErr error
	}{
		{"wrong step", "auth", map[string]string{"username": "a", "password": "b"}, flow.ErrWrongStep},
		{"missing field", "user", map[string]string{}, flow.ErrInvalidInput},
		{"bad method", "user", map[string]string{"method": "sms"}, flow.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlowFixture(t)
			ctx := context.Background()
			start, _ := f.svc.Start(ctx)

			res, err := f.svc.Submit(ctx, start.FlowID, tt.step, tt.fields)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if res.Directive.Step != "user" {
				t.Errorf("got step %q, want current form user", res.Directive.Step)
			}
			stored, err := f.store.Get(ctx, start.FlowID)
			if err != nil {
				t.Fatalf("flow dropped after caller mistake: %v", err)
			}
			if stored.Version != 0 {
				t.Errorf("got version %d, want untouched 0", stored.Version)
			}
		})
	}
}

func TestFlowService_FatalDropsFlow(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	start, _ := f.svc.Start(ctx)
	f.submit(t, start.FlowID, "user", map[string]string{"method": "token"})

	f.provider.push(&flow.LoginResponse{OK: true, Error: "both"})
	res, err := f.svc.Submit(ctx, start.FlowID, "token", map[string]string{"token": "t"})
	if !errors.Is(err, flow.ErrAmbiguousResponse) {
		t.Fatalf("got %v, want ErrAmbiguousResponse", err)
	}
	if res.Directive.Type != "" {
		t.Errorf("fatal outcome should carry no directive, got %+v", res.Directive)
	}
	if _, err := f.svc.Get(ctx, start.FlowID); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("got %v, want flow removed", err)
	}
	if f.provider.closes() != 1 {
		t.Errorf("got %d session closes, want 1", f.provider.closes())
	}
}

func TestFlowService_UnknownFlow(t *testing.T) {
	f := newFlowFixture(t)
	if _, err := f.svc.Submit(context.Background(), "missing", "user", nil); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Submit: got %v, want ErrFlowNotFound", err)
	}
	if err := f.svc.Cancel(context.Background(), "missing"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Cancel: got %v, want ErrFlowNotFound", err)
	}
}

// racingStore lets another writer land between load and save.
type racingStore struct {
	*MemoryFlowStore
	beforeSave func()
}

func (s *racingStore) Save(ctx context.Context, a flow.Attempt, expected int64) error {
	if s.beforeSave != nil {
		hook := s.beforeSave
		s.beforeSave = nil
		hook()
	}
	return s.MemoryFlowStore.Save(ctx, a, expected)
}

func TestFlowService_ConcurrentSubmissionRejected(t *testing.T) {
	mem := NewMemoryFlowStore(time.Minute, nil)
	defer mem.Close()
	store := &racingStore{MemoryFlowStore: mem}
	svc := NewFlowService(flow.NewController(flow.Options{Accounts: NewMemoryAccountStore()}), store)
	ctx := context.Background()

	start, _ := svc.Start(ctx)
	store.beforeSave = func() {
		cur, _ := mem.Get(ctx, start.FlowID)
		next := cur
		next.State = flow.StateAwaitingCookies
		next.Version++
		if err := mem.Save(ctx, next, cur.Version); err != nil {
			t.Errorf("racing save: %v", err)
		}
	}

	_, err := svc.Submit(ctx, start.FlowID, "user", map[string]string{"method": "auth"})
	if !errors.Is(err, ErrFlowConflict) {
		t.Fatalf("got %v, want ErrFlowConflict", err)
	}
	stored, _ := mem.Get(ctx, start.FlowID)
	if stored.State != flow.StateAwaitingCookies {
		t.Errorf("got state %s, want the racing writer's cookies", stored.State)
	}
}

func TestFlowService_CancelReleasesSession(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.push(flow.Failure("password.not_matched"))
	ctx := context.Background()

	start, _ := f.svc.Start(ctx)
	f.submit(t, start.FlowID, "user", map[string]string{"method": "auth"})
	res := f.submit(t, start.FlowID, "auth", map[string]string{"username": "a", "password": "b"})
	if res.Directive.Errors["base"] != "password.not_matched" {
		t.Fatalf("got %+v, want base error", res.Directive)
	}

	if err := f.svc.Cancel(ctx, start.FlowID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if f.provider.closes() != 1 {
		t.Errorf("got %d closes, want 1", f.provider.closes())
	}
	if _, err := f.svc.Get(ctx, start.FlowID); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("cancelled flow still stored: %v", err)
	}
}

func TestFlowService_Import(t *testing.T) {
	ctx := context.Background()

	t.Run("x_token finishes without storing", func(t *testing.T) {
		f := newFlowFixture(t)
		res, err := f.svc.Import(ctx, flow.ImportInput{Username: "bob", XToken: "xt"})
		if err != nil {
			t.Fatalf("Import: %v", err)
		}
		if res.Directive.Type != flow.DirectiveCreateEntry {
			t.Fatalf("got %+v, want create_entry", res.Directive)
		}
		if f.store.cache.Len() != 0 {
			t.Errorf("terminal import left %d flows stored", f.store.cache.Len())
		}
	})

	t.Run("existing account aborts", func(t *testing.T) {
		f := newFlowFixture(t)
		_ = f.accounts.Create(ctx, &models.Account{ID: "1", UniqueID: "bob", Title: "bob"})
		res, err := f.svc.Import(ctx, flow.ImportInput{Username: "bob", XToken: "xt"})
		if err != nil {
			t.Fatalf("Import: %v", err)
		}
		if res.Directive.Reason != flow.ReasonAlreadyConfigured {
			t.Errorf("got %+v, want already_configured", res.Directive)
		}
	})

	t.Run("password continues as a stored flow", func(t *testing.T) {
		f := newFlowFixture(t)
		f.provider.push(flow.Captcha("https://captcha/2"))
		res, err := f.svc.Import(ctx, flow.ImportInput{Username: "bob", Password: "pw"})
		if err != nil {
			t.Fatalf("Import: %v", err)
		}
		if res.Directive.Step != "captcha" {
			t.Fatalf("got %+v, want captcha", res.Directive)
		}
		if _, err := f.svc.Get(ctx, res.FlowID); err != nil {
			t.Errorf("continuing import not stored: %v", err)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newFlowFixture(t)
		if _, err := f.svc.Import(ctx, flow.ImportInput{Username: "bob"}); !errors.Is(err, flow.ErrInvalidInput) {
			t.Errorf("got %v, want ErrInvalidInput", err)
		}
	})
}

func TestFlowService_ExpiredReleasesSession(t *testing.T) {
	f := newFlowFixture(t)
	a := flow.NewAttempt("gone", time.Now())
	a.Session = flow.SessionState(`{"track_id":"q"}`)
	f.svc.Expired(a)
	if f.provider.closes() != 1 {
		t.Errorf("got %d closes, want 1", f.provider.closes())
	}
}
