// ABOUTME: HTTP handlers driving login flows step by step
// ABOUTME: Renders directives and redacts the account produced by a finished flow

package handlers

import (
	"net/http"

	"github.com/glebsterx/yandex-smart-home/backend/flow"
	"github.com/glebsterx/yandex-smart-home/backend/models"
	"github.com/glebsterx/yandex-smart-home/backend/services"
)

// FlowResponse is returned by every flow endpoint.
type FlowResponse struct {
	FlowID    string                  `json:"flow_id"`
	Step      string                  `json:"step"`
	Directive flow.Directive          `json:"directive"`
	Account   *models.AccountResponse `json:"account,omitempty"`
}

// flowErrorResponse carries the current form alongside a caller mistake so
// the host can re-show it.
type flowErrorResponse struct {
	models.ErrorResponse
	FlowID    string          `json:"flow_id,omitempty"`
	Step      string          `json:"step,omitempty"`
	Directive *flow.Directive `json:"directive,omitempty"`
}

func newFlowResponse(res services.FlowResult) FlowResponse {
	return FlowResponse{
		FlowID:    res.FlowID,
		Step:      res.State.Step(),
		Directive: res.Directive,
		Account:   models.NewAccountResponse(res.Directive.Account),
	}
}

func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, res services.FlowResult, err error) {
	code, reason := errorStatus(err)
	if res.FlowID == "" || res.Directive.Type == "" || code >= http.StatusInternalServerError {
		h.writeServiceError(w, r, err)
		return
	}
	d := res.Directive
	h.writeJSON(w, code, flowErrorResponse{
		ErrorResponse: models.ErrorResponse{Error: err.Error(), Reason: reason, Code: code},
		FlowID:        res.FlowID,
		Step:          res.State.Step(),
		Directive:     &d,
	})
}

// StartFlow creates a flow at its first step.
func (h *Handler) StartFlow(w http.ResponseWriter, r *http.Request) {
	res, err := h.flows.Start(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newFlowResponse(res))
}

// GetFlow re-renders the current directive of a flow.
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	res, err := h.flows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newFlowResponse(res))
}

// SubmitStep applies one step's fields to a flow.
func (h *Handler) SubmitStep(w http.ResponseWriter, r *http.Request) {
	var req models.StepRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]string{}
	}

	res, err := h.flows.Submit(r.Context(), r.PathValue("id"), r.PathValue("step"), req.Fields)
	if err != nil {
		h.writeFlowError(w, r, res, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newFlowResponse(res))
}

// CancelFlow removes a flow and releases its identity-provider session.
func (h *Handler) CancelFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportAccount runs the import shortcut for a known username.
func (h *Handler) ImportAccount(w http.ResponseWriter, r *http.Request) {
	var req models.ImportRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	res, err := h.flows.Import(r.Context(), flow.ImportInput{
		Username: req.Username,
		Password: req.Password,
		XToken:   req.XToken,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if !res.Directive.Terminal() {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, newFlowResponse(res))
}
