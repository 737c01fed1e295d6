package api

import (
	"context"
	"net/http"

	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-chi/chi/v5"
)

// ApprovalStore reads approval requests
type ApprovalStore interface {
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter state.ApprovalFilter) ([]*models.ApprovalRequest, error)
}

// ApprovalResolver records decisions on approval requests
type ApprovalResolver interface {
	Resolve(ctx context.Context, requestID, approver string, decision models.Decision, reason string) (*models.ApprovalRequest, error)
	Cancel(ctx context.Context, requestID, by, reason string) (*models.ApprovalRequest, error)
}

// ApprovalHandler handles manual gate sign-off
type ApprovalHandler struct {
	store    ApprovalStore
	resolver ApprovalResolver
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(store ApprovalStore, resolver ApprovalResolver) *ApprovalHandler {
	return &ApprovalHandler{store: store, resolver: resolver}
}

// ListApprovals handles GET /api/v1/approvals
func (h *ApprovalHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _, ok := pagination(w, r)
	if !ok {
		return
	}

	approvals, err := h.store.ListApprovals(r.Context(), state.ApprovalFilter{
		Environment: q.Get("environment"),
		ServiceName: q.Get("service"),
		Status:      models.ApprovalStatus(q.Get("status")),
		Limit:       limit,
	})
	if err != nil {
		RespondWithDomainError(w, err, "Failed to list approvals")
		return
	}
	RespondWithJSON(w, http.StatusOK, approvals)
}

// GetApproval handles GET /api/v1/approvals/{id}
func (h *ApprovalHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondWithDomainError(w, err, "Failed to get approval")
		return
	}
	RespondWithJSON(w, http.StatusOK, req)
}

// Approve handles POST /api/v1/approvals/{id}/approve
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.DecisionApprove)
}

// Reject handles POST /api/v1/approvals/{id}/reject
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.DecisionReject)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, decision models.Decision) {
	var body DecisionRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &body); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "id"), identity(r, body.Approver), decision, body.Reason)
	if err != nil {
		RespondWithDomainError(w, err, "Failed to record decision")
		return
	}
	RespondWithJSON(w, http.StatusOK, req)
}

// Cancel handles POST /api/v1/approvals/{id}/cancel
func (h *ApprovalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &body); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req, err := h.resolver.Cancel(r.Context(), chi.URLParam(r, "id"), identity(r, body.Approver), body.Reason)
	if err != nil {
		RespondWithDomainError(w, err, "Failed to cancel approval")
		return
	}
	RespondWithJSON(w, http.StatusOK, req)
}
