// ABOUTME: Account entry persistence keyed by unique account identity
// ABOUTME: Defines the store contract and an in-memory implementation

package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

// AccountStore persists account entries. Get returns (nil, nil) when no entry
// has the unique id; GetByID returns models.ErrAccountNotFound.
// UpdateIfUnchanged writes only while the stored UpdatedAt still equals
// since, and returns models.ErrAccountChanged otherwise.
type AccountStore interface {
	Get(ctx context.Context, uniqueID string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	List(ctx context.Context) ([]*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
	UpdateIfUnchanged(ctx context.Context, account *models.Account, since time.Time) error
	Delete(ctx context.Context, id string) error
	Kind() string
}

// MemoryAccountStore keeps accounts in process memory. Contents are lost on restart.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.Account
	byUnique map[string]string
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		byID:     make(map[string]*models.Account),
		byUnique: make(map[string]string),
	}
}

func (s *MemoryAccountStore) Kind() string { return "memory" }

func (s *MemoryAccountStore) Get(ctx context.Context, uniqueID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUnique[uniqueID]
	if !ok {
		return nil, nil
	}
	return copyAccount(s.byID[id]), nil
}

func (s *MemoryAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (s *MemoryAccountStore) List(ctx context.Context) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Account, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out, nil
}

func (s *MemoryAccountStore) Create(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUnique[account.UniqueID]; ok {
		return models.ErrAccountExists
	}
	if _, ok := s.byID[account.ID]; ok {
		return models.ErrAccountExists
	}
	s.byID[account.ID] = copyAccount(account)
	s.byUnique[account.UniqueID] = account.ID
	return nil
}

func (s *MemoryAccountStore) Update(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(account, nil)
}

func (s *MemoryAccountStore) UpdateIfUnchanged(ctx context.Context, account *models.Account, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(account, &since)
}

// update replaces an entry. Caller holds s.mu.
func (s *MemoryAccountStore) update(account *models.Account, since *time.Time) error {
	cur, ok := s.byID[account.ID]
	if !ok {
		return models.ErrAccountNotFound
	}
	if since != nil && !cur.UpdatedAt.Equal(*since) {
		return models.ErrAccountChanged
	}
	if cur.UniqueID != account.UniqueID {
		if _, taken := s.byUnique[account.UniqueID]; taken {
			return models.ErrAccountExists
		}
		delete(s.byUnique, cur.UniqueID)
		s.byUnique[account.UniqueID] = account.ID
	}
	s.byID[account.ID] = copyAccount(account)
	return nil
}

func (s *MemoryAccountStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return models.ErrAccountNotFound
	}
	delete(s.byID, id)
	delete(s.byUnique, a.UniqueID)
	return nil
}

func copyAccount(a *models.Account) *models.Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Skill != nil {
		skill := *a.Skill
		cp.Skill = &skill
	}
	if a.Credentials.Extra != nil {
		cp.Credentials.Extra = make(map[string]string, len(a.Credentials.Extra))
		for k, v := range a.Credentials.Extra {
			cp.Credentials.Extra[k] = v
		}
	}
	return &cp
}
