package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-chi/chi/v5"
)

// IncidentStore persists incident flags
type IncidentStore interface {
	OpenIncident(ctx context.Context, inc *models.Incident) error
	ResolveIncident(ctx context.Context, id string, resolvedAt time.Time) error
	ListIncidents(ctx context.Context, env string, activeOnly bool) ([]*models.Incident, error)
}

// IncidentHandler handles incident flags consulted by the deployment policy
type IncidentHandler struct {
	store IncidentStore
}

// NewIncidentHandler creates a new incident handler
func NewIncidentHandler(store IncidentStore) *IncidentHandler {
	return &IncidentHandler{store: store}
}

// OpenIncident handles POST /api/v1/incidents
func (h *IncidentHandler) OpenIncident(w http.ResponseWriter, r *http.Request) {
	var req OpenIncidentRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Environment == "" || req.ServiceName == "" || req.Title == "" {
		RespondWithError(w, http.StatusBadRequest, "environment, service_name and title are required")
		return
	}

	inc := &models.Incident{
		Environment: req.Environment,
		ServiceName: req.ServiceName,
		Title:       req.Title,
		OpenedBy:    identity(r, req.OpenedBy),
		OpenedAt:    time.Now().UTC(),
	}
	if err := h.store.OpenIncident(r.Context(), inc); err != nil {
		RespondWithDomainError(w, err, "Failed to open incident")
		return
	}
	RespondWithJSON(w, http.StatusCreated, inc)
}

// ResolveIncident handles POST /api/v1/incidents/{id}/resolve
func (h *IncidentHandler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ResolveIncident(r.Context(), chi.URLParam(r, "id"), time.Now().UTC()); err != nil {
		RespondWithDomainError(w, err, "Failed to resolve incident")
		return
	}
	RespondWithSuccess(w, http.StatusOK, "Incident resolved", nil)
}

// ListIncidents handles GET /api/v1/incidents
func (h *IncidentHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	incidents, err := h.store.ListIncidents(r.Context(), q.Get("environment"), parseBool(q.Get("active")))
	if err != nil {
		RespondWithDomainError(w, err, "Failed to list incidents")
		return
	}
	RespondWithJSON(w, http.StatusOK, incidents)
}
