// ABOUTME: HTTP handlers for the credential broker API
// ABOUTME: Holds service dependencies and the shared JSON/error writers

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/config"
	"github.com/glebsterx/yandex-smart-home/backend/flow"
	"github.com/glebsterx/yandex-smart-home/backend/models"
	"github.com/glebsterx/yandex-smart-home/backend/services"
)

// maxBodyBytes bounds request bodies; cookie exports are the largest legitimate input.
const maxBodyBytes = 256 << 10

type Handler struct {
	cfg       *config.Config
	flows     *services.FlowService
	accounts  services.AccountStore
	refresher *services.AccountRefresher
	startedAt time.Time
}

func NewHandler(cfg *config.Config, flows *services.FlowService, accounts services.AccountStore, refresher *services.AccountRefresher) *Handler {
	return &Handler{
		cfg:       cfg,
		flows:     flows,
		accounts:  accounts,
		refresher: refresher,
		startedAt: time.Now().UTC(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, models.ErrorResponse{Error: message, Code: code})
}

// decodeBody reads a bounded JSON body into v.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// errorStatus maps broker errors to an HTTP status and a stable reason code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrFlowNotFound):
		return http.StatusNotFound, "flow_not_found"
	case errors.Is(err, models.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, flow.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, flow.ErrWrongStep):
		return http.StatusConflict, "wrong_step"
	case errors.Is(err, flow.ErrFlowFinished):
		return http.StatusConflict, "flow_finished"
	case errors.Is(err, services.ErrFlowConflict):
		return http.StatusConflict, "flow_conflict"
	case errors.Is(err, models.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, flow.ErrRoundTripTimeout):
		return http.StatusGatewayTimeout, "round_trip_timeout"
	case flow.IsFatal(err):
		return http.StatusBadGateway, "provider_fault"
	case errors.Is(err, services.ErrNoXToken):
		return http.StatusUnprocessableEntity, "no_x_token"
	case errors.Is(err, services.ErrPassportRejected):
		return http.StatusBadGateway, "provider_rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeServiceError renders err with its mapped status. Internal failures are
// logged and reported without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, reason := errorStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		msg = "Internal error"
	}
	h.writeJSON(w, code, models.ErrorResponse{Error: msg, Reason: reason, Code: code})
}
