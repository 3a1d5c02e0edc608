// ABOUTME: Flow service hosting login attempts between caller round trips
// ABOUTME: Loads, dispatches and persists attempts; releases sessions on completion

package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
)

// FlowResult is what a caller sees after each operation.
type FlowResult struct {
	FlowID    string
	State     flow.State
	Directive flow.Directive
}

// FlowService is the caller side of the login controller.
type FlowService struct {
	controller *flow.Controller
	store      FlowStore
	now        func() time.Time
}

func NewFlowService(controller *flow.Controller, store FlowStore) *FlowService {
	return &FlowService{controller: controller, store: store, now: time.Now}
}

// Store returns the backing flow store.
func (s *FlowService) Store() FlowStore {
	return s.store
}

// Start creates a flow at START.
func (s *FlowService) Start(ctx context.Context) (FlowResult, error) {
	id, err := generateFlowID()
	if err != nil {
		return FlowResult{}, err
	}
	a := flow.NewAttempt(id, s.now())
	if err := s.store.Create(ctx, a); err != nil {
		return FlowResult{}, fmt.Errorf("create flow: %w", err)
	}
	slog.Info("Flow started", "flow_id", id)
	return s.result(a, s.controller.Current(a)), nil
}

// Get re-renders the current form of a stored flow.
func (s *FlowService) Get(ctx context.Context, id string) (FlowResult, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return FlowResult{}, err
	}
	return s.result(a, s.controller.Current(a)), nil
}

// Submit applies one step. Terminal and fatal outcomes remove the flow;
// caller mistakes leave it untouched and return the current form with the error.
func (s *FlowService) Submit(ctx context.Context, id, step string, fields map[string]string) (FlowResult, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return FlowResult{}, err
	}

	next, d, err := s.controller.Dispatch(ctx, a, step, fields)
	if err != nil {
		if flow.IsFatal(err) {
			s.drop(ctx, id)
			return FlowResult{FlowID: id, State: a.State}, err
		}
		return s.result(a, s.controller.Current(a)), err
	}

	if d.Terminal() {
		s.drop(ctx, id)
		return s.result(next, d), nil
	}

	if err := s.store.Save(ctx, next, a.Version); err != nil {
		if errors.Is(err, ErrFlowConflict) {
			slog.Warn("Concurrent submission rejected", "flow_id", id, "step", step)
		}
		return FlowResult{}, err
	}
	return s.result(next, d), nil
}

// Import runs the import shortcut in a new flow. The flow is stored only if
// negotiation continues.
func (s *FlowService) Import(ctx context.Context, in flow.ImportInput) (FlowResult, error) {
	id, err := generateFlowID()
	if err != nil {
		return FlowResult{}, err
	}
	a := flow.NewAttempt(id, s.now())

	next, d, err := s.controller.Import(ctx, a, in)
	if err != nil {
		return FlowResult{FlowID: id, State: a.State}, err
	}
	if d.Terminal() {
		return s.result(next, d), nil
	}
	if err := s.store.Create(ctx, next); err != nil {
		s.controller.Release(ctx, next)
		return FlowResult{}, fmt.Errorf("create flow: %w", err)
	}
	return s.result(next, d), nil
}

// Cancel is host teardown: the flow is removed and its session released.
func (s *FlowService) Cancel(ctx context.Context, id string) error {
	a, ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFlowNotFound
	}
	s.controller.Release(ctx, a)
	slog.Info("Flow cancelled", "flow_id", id, "state", a.State.Step())
	return nil
}

// Expired releases the session of an attempt dropped by store expiry.
func (s *FlowService) Expired(a flow.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.controller.Release(ctx, a)
}

func (s *FlowService) drop(ctx context.Context, id string) {
	if _, _, err := s.store.Delete(ctx, id); err != nil {
		slog.Warn("Failed to delete finished flow", "flow_id", id, "error", err)
	}
}

func (s *FlowService) result(a flow.Attempt, d flow.Directive) FlowResult {
	return FlowResult{FlowID: a.ID, State: a.State, Directive: d}
}

// generateFlowID returns 32 bytes of cryptographically secure random data, base64url-encoded.
func generateFlowID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate flow id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
