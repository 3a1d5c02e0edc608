// ABOUTME: Declarative route table for API endpoints
// ABOUTME: Defines every route with its method, handler, minimum role and rate-limit tier

package handlers

import (
	"net/http"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
)

// Rate-limit tiers.
const (
	// LimitSteps applies to endpoints that forward credentials to Yandex.
	LimitSteps = "steps"
	// LimitDefault applies to everything else.
	LimitDefault = "default"
)

// ChargesProvider reports whether a request counts against the steps tier.
// The user and options steps never reach Yandex, so they are free.
func ChargesProvider(r *http.Request) bool {
	step := r.PathValue("step")
	return step == "" || !flow.LocalStep(step)
}

// Route defines an API endpoint with its HTTP method and handler.
type Route struct {
	Method    string           // HTTP method (GET, POST, etc.)
	Path      string           // ServeMux pattern path (e.g., "/api/v1/flows/{id}")
	Handler   http.HandlerFunc // Handler function
	Role      string           // minimum role: "viewer" or "operator"
	RateLimit string           // LimitSteps or LimitDefault
}

// Routes returns all API routes for registration.
func (h *Handler) Routes() []Route {
	return []Route{
		// Health & Docs
		{Method: http.MethodGet, Path: "/api/v1/health", Handler: h.Health, Role: "viewer", RateLimit: LimitDefault},
		{Method: http.MethodGet, Path: "/api/v1/openapi.yaml", Handler: h.OpenAPISpec, Role: "viewer", RateLimit: LimitDefault},

		// Login flows
		{Method: http.MethodPost, Path: "/api/v1/flows", Handler: h.StartFlow, Role: "operator", RateLimit: LimitDefault},
		{Method: http.MethodPost, Path: "/api/v1/flows/import", Handler: h.ImportAccount, Role: "operator", RateLimit: LimitSteps},
		{Method: http.MethodGet, Path: "/api/v1/flows/{id}", Handler: h.GetFlow, Role: "operator", RateLimit: LimitDefault},
		{Method: http.MethodPost, Path: "/api/v1/flows/{id}/steps/{step}", Handler: h.SubmitStep, Role: "operator", RateLimit: LimitSteps},
		{Method: http.MethodDelete, Path: "/api/v1/flows/{id}", Handler: h.CancelFlow, Role: "operator", RateLimit: LimitDefault},

		// Accounts
		{Method: http.MethodGet, Path: "/api/v1/accounts", Handler: h.ListAccounts, Role: "viewer", RateLimit: LimitDefault},
		{Method: http.MethodPost, Path: "/api/v1/accounts/refresh", Handler: h.RefreshAllAccounts, Role: "operator", RateLimit: LimitSteps},
		{Method: http.MethodGet, Path: "/api/v1/accounts/{id}", Handler: h.GetAccount, Role: "viewer", RateLimit: LimitDefault},
		{Method: http.MethodDelete, Path: "/api/v1/accounts/{id}", Handler: h.DeleteAccount, Role: "operator", RateLimit: LimitDefault},
		{Method: http.MethodPost, Path: "/api/v1/accounts/{id}/refresh", Handler: h.RefreshAccount, Role: "operator", RateLimit: LimitSteps},
	}
}
