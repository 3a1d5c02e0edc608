// ABOUTME: Test doubles for the identity provider and account store
// ABOUTME: Scripted responses, call counting and release tracking

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

type providerCall struct {
	method string
	arg    string
}

// fakeProvider hands out sessions that replay scripted responses in order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*LoginResponse
	errs      []error
	block     bool
	calls     []providerCall
	opened    int
	closed    []string
	nextID    int
}

type fakeSessionState struct {
	ID string `json:"id"`
}

func (p *fakeProvider) script(responses ...*LoginResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
	for range responses {
		p.errs = append(p.errs, nil)
	}
}

func (p *fakeProvider) scriptErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, nil)
	p.errs = append(p.errs, err)
}

func (p *fakeProvider) Open(ctx context.Context, state SessionState) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	id := ""
	if len(state) > 0 {
		var st fakeSessionState
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, err
		}
		id = st.ID
	} else {
		p.nextID++
		id = "s" + strconv.Itoa(p.nextID)
	}
	return &fakeSession{provider: p, id: id}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) closedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closed...)
}

type fakeSession struct {
	provider *fakeProvider
	id       string
}

func (s *fakeSession) next(ctx context.Context, method, arg string) (*LoginResponse, error) {
	p := s.provider
	p.mu.Lock()
	p.calls = append(p.calls, providerCall{method: method, arg: arg})
	block := p.block
	if !block && len(p.responses) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no scripted response")
	}
	var resp *LoginResponse
	var err error
	if !block {
		resp, err = p.responses[0], p.errs[0]
		p.responses, p.errs = p.responses[1:], p.errs[1:]
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp, err
}

func (s *fakeSession) LoginUsername(ctx context.Context, username, password string) (*LoginResponse, error) {
	return s.next(ctx, "username", username+":"+password)
}

func (s *fakeSession) LoginCookies(ctx context.Context, cookies string) (*LoginResponse, error) {
	return s.next(ctx, "cookies", cookies)
}

func (s *fakeSession) ValidateToken(ctx context.Context, token string) (*LoginResponse, error) {
	return s.next(ctx, "token", token)
}

func (s *fakeSession) SubmitCaptcha(ctx context.Context, answer string) (*LoginResponse, error) {
	return s.next(ctx, "captcha", answer)
}

func (s *fakeSession) State() SessionState {
	data, _ := json.Marshal(fakeSessionState{ID: s.id})
	return SessionState(data)
}

func (s *fakeSession) Close() error {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	s.provider.closed = append(s.provider.closed, s.id)
	return nil
}

// memAccounts is a minimal in-memory Accounts.
type memAccounts struct {
	mu       sync.Mutex
	byUnique map[string]*models.Account
	creates  int
	updates  int
	getErr   error
}

func newMemAccounts(seed ...*models.Account) *memAccounts {
	m := &memAccounts{byUnique: make(map[string]*models.Account)}
	for _, a := range seed {
		cp := *a
		m.byUnique[a.UniqueID] = &cp
	}
	return m
}

func (m *memAccounts) Get(ctx context.Context, uniqueID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	a, ok := m.byUnique[uniqueID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) Create(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUnique[account.UniqueID]; ok {
		return models.ErrAccountExists
	}
	cp := *account
	m.byUnique[account.UniqueID] = &cp
	m.creates++
	return nil
}

func (m *memAccounts) Update(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUnique[account.UniqueID]; !ok {
		return models.ErrAccountNotFound
	}
	cp := *account
	m.byUnique[account.UniqueID] = &cp
	m.updates++
	return nil
}

func (m *memAccounts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUnique)
}
