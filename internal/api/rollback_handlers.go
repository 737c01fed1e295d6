package api

import (
	"context"
	"net/http"

	"github.com/alvesdmateus/release-gate/internal/orchestrator"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RollbackPoints lists the snapshots a service can be restored to
type RollbackPoints interface {
	ListRollbackPoints(ctx context.Context, env, service string) ([]*models.RollbackSnapshot, error)
}

// EnvironmentLister names the configured environments
type EnvironmentLister interface {
	Names(ctx context.Context) ([]string, error)
}

// EnvironmentHandler handles environment and rollback requests
type EnvironmentHandler struct {
	envs     EnvironmentLister
	points   RollbackPoints
	pipeline Pipeline
	jobs     JobClient
}

// NewEnvironmentHandler creates a new environment handler. Restores are
// queued when jobs is non-nil and executed inline otherwise.
func NewEnvironmentHandler(envs EnvironmentLister, points RollbackPoints, pipeline Pipeline, jobs JobClient) *EnvironmentHandler {
	return &EnvironmentHandler{envs: envs, points: points, pipeline: pipeline, jobs: jobs}
}

// ListEnvironments handles GET /api/v1/environments
func (h *EnvironmentHandler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	names, err := h.envs.Names(r.Context())
	if err != nil {
		RespondWithDomainError(w, err, "Failed to list environments")
		return
	}
	RespondWithJSON(w, http.StatusOK, names)
}

// ListRollbackPoints handles GET /api/v1/environments/{env}/services/{service}/rollback-points
func (h *EnvironmentHandler) ListRollbackPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.points.ListRollbackPoints(r.Context(), chi.URLParam(r, "env"), chi.URLParam(r, "service"))
	if err != nil {
		RespondWithDomainError(w, err, "Failed to list rollback points")
		return
	}
	RespondWithJSON(w, http.StatusOK, points)
}

// Rollback handles POST /api/v1/environments/{env}/services/{service}/rollback
func (h *EnvironmentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var body RollbackRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &body); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	req := orchestrator.ManualRollback{
		Environment: chi.URLParam(r, "env"),
		ServiceName: chi.URLParam(r, "service"),
		SnapshotID:  body.SnapshotID,
		RequestedBy: identity(r, body.RequestedBy),
	}

	if h.jobs != nil && !parseBool(r.URL.Query().Get("sync")) {
		id, err := h.jobs.TriggerRollback(r.Context(), &queue.RollbackPayload{
			Environment: req.Environment,
			ServiceName: req.ServiceName,
			SnapshotID:  req.SnapshotID,
			RequestedBy: req.RequestedBy,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to queue rollback")
			RespondWithError(w, http.StatusServiceUnavailable, "Failed to queue rollback")
			return
		}
		RespondWithJSON(w, http.StatusAccepted, RollbackJobResponse{JobID: id, Status: "queued", Message: "Rollback queued"})
		return
	}

	res, err := h.pipeline.Rollback(context.WithoutCancel(r.Context()), req)
	if err != nil {
		RespondWithDomainError(w, err, "Rollback failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, res)
}
