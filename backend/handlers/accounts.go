// ABOUTME: HTTP handlers for stored Yandex accounts
// ABOUTME: Lists, shows, deletes and refreshes accounts without exposing credentials

package handlers

import (
	"net/http"

	"github.com/glebsterx/yandex-smart-home/backend/models"
	"github.com/glebsterx/yandex-smart-home/backend/services"
)

// RefreshAllResponse reports per-account refresh outcomes.
type RefreshAllResponse struct {
	Results []services.RefreshResult `json:"results"`
	Failed  int                      `json:"failed"`
}

// ListAccounts returns every stored account, redacted.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := models.AccountListResponse{Accounts: make([]*models.AccountResponse, 0, len(accounts))}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, models.NewAccountResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetAccount returns one account by id.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, models.NewAccountResponse(a))
}

// DeleteAccount removes an account.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshAccount rotates one account's cookie and music token from its x_token.
func (h *Handler) RefreshAccount(w http.ResponseWriter, r *http.Request) {
	res, err := h.refresher.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RefreshAllAccounts refreshes every account; individual failures are reported, not fatal.
func (h *Handler) RefreshAllAccounts(w http.ResponseWriter, r *http.Request) {
	results, err := h.refresher.RefreshAll(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := RefreshAllResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []services.RefreshResult{}
	}
	for _, res := range results {
		if res.Error != "" {
			resp.Failed++
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}
