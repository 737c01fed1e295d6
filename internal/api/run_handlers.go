package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alvesdmateus/release-gate/internal/orchestrator"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Pipeline runs deployments and restores in the API process
type Pipeline interface {
	RunPipeline(ctx context.Context, req models.DeploymentRequest) (*models.DeploymentRun, error)
	Validate(ctx context.Context, req models.DeploymentRequest) (models.Environment, error)
	Rollback(ctx context.Context, req orchestrator.ManualRollback) (*rollback.RestoreResult, error)
	Abort(ctx context.Context, deploymentID, by, reason string) (*models.DeploymentRun, error)
}

// JobClient queues work for the worker
type JobClient interface {
	TriggerRun(ctx context.Context, req models.DeploymentRequest) (string, error)
	TriggerRollback(ctx context.Context, payload *queue.RollbackPayload) (string, error)
	GetQueueStats(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// RunStore reads run history
type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.DeploymentRun, error)
	ListRuns(ctx context.Context, filter state.RunFilter) ([]*models.DeploymentRun, error)
	ListDeploymentLogs(ctx context.Context, deploymentID string, limit int) ([]state.DeploymentLog, error)
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	pipeline Pipeline
	jobs     JobClient
	store    RunStore
}

// NewRunHandler creates a new run handler. Runs are queued when jobs is
// non-nil and executed inline otherwise.
func NewRunHandler(pipeline Pipeline, jobs JobClient, store RunStore) *RunHandler {
	return &RunHandler{pipeline: pipeline, jobs: jobs, store: store}
}

// CreateRun handles POST /api/v1/runs
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.DeploymentRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.RequestedBy = identity(r, req.RequestedBy)
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	if h.jobs != nil && !parseBool(r.URL.Query().Get("sync")) {
		// refuse malformed requests here rather than in the worker
		if _, err := h.pipeline.Validate(r.Context(), req); err != nil {
			RespondWithDomainError(w, err, "Failed to validate run")
			return
		}
		id, err := h.jobs.TriggerRun(r.Context(), req)
		if err != nil {
			log.Error().Err(err).Msg("Failed to queue run")
			RespondWithError(w, http.StatusServiceUnavailable, "Failed to queue run")
			return
		}
		RespondWithJSON(w, http.StatusAccepted, TriggerRunResponse{
			DeploymentID: id,
			Status:       "queued",
			Message:      "Run queued",
		})
		return
	}

	// an inline run finishes even if the caller goes away
	run, err := h.pipeline.RunPipeline(context.WithoutCancel(r.Context()), req)
	if run == nil {
		RespondWithDomainError(w, err, "Failed to run pipeline")
		return
	}
	if err != nil {
		log.Info().Err(err).Str("deploymentId", run.DeploymentID).Str("status", string(run.OverallStatus)).Msg("Run did not succeed")
	}
	RespondWithJSON(w, http.StatusOK, run)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondWithDomainError(w, err, "Failed to get run")
		return
	}
	RespondWithJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	filter := state.RunFilter{
		Environment: q.Get("environment"),
		ServiceName: q.Get("service"),
		Status:      models.RunStatus(q.Get("status")),
		Limit:       limit,
		Offset:      offset,
	}
	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		RespondWithDomainError(w, err, "Failed to list runs")
		return
	}

	RespondWithJSON(w, http.StatusOK, ListRunsResponse{Runs: runs, Limit: limit, Offset: offset})
}

// AbortRun handles POST /api/v1/runs/{id}/abort
func (h *RunHandler) AbortRun(w http.ResponseWriter, r *http.Request) {
	var body AbortRunRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &body); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	run, err := h.pipeline.Abort(r.Context(), chi.URLParam(r, "id"), identity(r, body.AbortedBy), body.Reason)
	if err != nil {
		RespondWithDomainError(w, err, "Failed to abort run")
		return
	}
	RespondWithJSON(w, http.StatusOK, run)
}

// GetRunLogs handles GET /api/v1/runs/{id}/logs
func (h *RunHandler) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetRun(r.Context(), id); err != nil {
		RespondWithDomainError(w, err, "Failed to get run")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	logs, err := h.store.ListDeploymentLogs(r.Context(), id, limit)
	if err != nil {
		RespondWithDomainError(w, err, "Failed to list run logs")
		return
	}
	RespondWithJSON(w, http.StatusOK, ListLogsResponse{DeploymentID: id, Logs: DeploymentLogsToResponse(logs)})
}

// pagination parses limit and offset query parameters
func pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, offset := defaultListLimit, 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return 0, 0, false
		}
		limit = min(n, maxListLimit)
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			RespondWithError(w, http.StatusBadRequest, "Invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
