// ABOUTME: HTTP handler for the health endpoint
// ABOUTME: Reports store kinds and probes backends that support pinging

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Health returns broker liveness and which storage backends are active.
// A failing backend probe turns the response into 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:       "ok",
		FlowStore:    "not_configured",
		AccountStore: "not_configured",
		StartedAt:    h.startedAt,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	probe := func(name string, v any) {
		p, ok := v.(pinger)
		if !ok {
			return
		}
		if resp.Checks == nil {
			resp.Checks = map[string]string{}
		}
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			return
		}
		resp.Checks[name] = "ok"
	}

	if h.flows != nil {
		resp.FlowStore = h.flows.Store().Kind()
		probe("flow_store", h.flows.Store())
	}
	if h.accounts != nil {
		resp.AccountStore = h.accounts.Kind()
		probe("account_store", h.accounts)
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
