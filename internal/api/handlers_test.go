package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alvesdmateus/release-gate/internal/approval"
	"github.com/alvesdmateus/release-gate/internal/orchestrator"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	run         *models.DeploymentRun
	err         error
	validateErr error
	restore     *rollback.RestoreResult
	restoreErr  error

	abortErr  error
	requests  []models.DeploymentRequest
	rollbacks []orchestrator.ManualRollback
	aborts    []string
}

func (p *fakePipeline) RunPipeline(ctx context.Context, req models.DeploymentRequest) (*models.DeploymentRun, error) {
	p.requests = append(p.requests, req)
	return p.run, p.err
}

func (p *fakePipeline) Validate(ctx context.Context, req models.DeploymentRequest) (models.Environment, error) {
	p.requests = append(p.requests, req)
	return models.Environment{Name: req.Environment}, p.validateErr
}

func (p *fakePipeline) Rollback(ctx context.Context, req orchestrator.ManualRollback) (*rollback.RestoreResult, error) {
	p.rollbacks = append(p.rollbacks, req)
	return p.restore, p.restoreErr
}

func (p *fakePipeline) Abort(ctx context.Context, deploymentID, by, reason string) (*models.DeploymentRun, error) {
	p.aborts = append(p.aborts, by)
	if p.abortErr != nil {
		return nil, p.abortErr
	}
	return &models.DeploymentRun{DeploymentID: deploymentID, OverallStatus: models.RunStatusFailed, Error: "aborted by " + by + ": " + reason}, nil
}

type fakeJobs struct {
	err       error
	runs      []models.DeploymentRequest
	rollbacks []*queue.RollbackPayload
}

func (j *fakeJobs) TriggerRun(ctx context.Context, req models.DeploymentRequest) (string, error) {
	if j.err != nil {
		return "", j.err
	}
	j.runs = append(j.runs, req)
	return "run-queued-1", nil
}

func (j *fakeJobs) TriggerRollback(ctx context.Context, payload *queue.RollbackPayload) (string, error) {
	if j.err != nil {
		return "", j.err
	}
	j.rollbacks = append(j.rollbacks, payload)
	return "job-1", nil
}

func (j *fakeJobs) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"run": int64(len(j.runs)), "rollback": int64(len(j.rollbacks))}, nil
}

func (j *fakeJobs) Ping(ctx context.Context) error {
	return j.err
}

type fakeRunStore struct {
	runs map[string]*models.DeploymentRun
	logs []state.DeploymentLog
}

func (s *fakeRunStore) GetRun(ctx context.Context, id string) (*models.DeploymentRun, error) {
	if run, ok := s.runs[id]; ok {
		return run, nil
	}
	return nil, fmt.Errorf("run %s: %w", id, state.ErrNotFound)
}

func (s *fakeRunStore) ListRuns(ctx context.Context, filter state.RunFilter) ([]*models.DeploymentRun, error) {
	var out []*models.DeploymentRun
	for _, run := range s.runs {
		if filter.Environment == "" || run.Environment == filter.Environment {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *fakeRunStore) ListDeploymentLogs(ctx context.Context, id string, limit int) ([]state.DeploymentLog, error) {
	return s.logs, nil
}

func asOperator(r *http.Request, username, role string) *http.Request {
	op := &state.Operator{ID: "op-" + username, Username: username, Role: role, Active: true}
	return r.WithContext(context.WithValue(r.Context(), OperatorContextKey, op))
}

func withURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const runBody = `{"environment":"production","service_name":"checkout","version_ref":"v1.4.2","strategy":"canary","requested_by":"alice"}`

func TestCreateRunInline(t *testing.T) {
	finished := &models.DeploymentRun{DeploymentID: "d-1", OverallStatus: models.RunStatusFailed, Phase: models.PhaseFinished}

	tests := []struct {
		name   string
		run    *models.DeploymentRun
		err    error
		status int
		check  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:   "validation error",
			err:    models.ValidationError{Field: "strategy", Reason: "unknown strategy"},
			status: http.StatusBadRequest,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "strategy", decodeError(t, rec).Field)
			},
		},
		{
			name:   "conflict",
			err:    models.ConflictError{Environment: "production", ServiceName: "checkout", ActiveRunID: "d-0"},
			status: http.StatusConflict,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "d-0", decodeError(t, rec).ActiveRunID)
			},
		},
		{
			name:   "unexpected error hides details",
			err:    errors.New("database is on fire"),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.NotContains(t, rec.Body.String(), "on fire")
			},
		},
		{
			name:   "terminal run is returned with its cause",
			run:    finished,
			err:    models.PolicyViolation{Rule: models.RuleOutsideWindow, Reason: "closed"},
			status: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var run models.DeploymentRun
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
				assert.Equal(t, "d-1", run.DeploymentID)
				assert.Equal(t, models.RunStatusFailed, run.OverallStatus)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{run: tt.run, err: tt.err}
			h := NewRunHandler(p, nil, &fakeRunStore{})

			rec := httptest.NewRecorder()
			h.CreateRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(runBody)))

			assert.Equal(t, tt.status, rec.Code)
			tt.check(t, rec)
			require.Len(t, p.requests, 1)
			assert.False(t, p.requests[0].Timestamp.IsZero())
		})
	}
}

func TestCreateRunQueued(t *testing.T) {
	t.Run("queues a valid request", func(t *testing.T) {
		p := &fakePipeline{}
		jobs := &fakeJobs{}
		h := NewRunHandler(p, jobs, &fakeRunStore{})

		req := asOperator(httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(runBody)), "bob", RoleDeployer)
		rec := httptest.NewRecorder()
		h.CreateRun(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp TriggerRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-queued-1", resp.DeploymentID)
		require.Len(t, jobs.runs, 1)
		assert.Equal(t, "bob", jobs.runs[0].RequestedBy)
	})

	t.Run("refuses invalid requests before queueing", func(t *testing.T) {
		jobs := &fakeJobs{}
		h := NewRunHandler(&fakePipeline{validateErr: models.ValidationError{Field: "environment", Reason: "unknown"}}, jobs, &fakeRunStore{})

		rec := httptest.NewRecorder()
		h.CreateRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(runBody)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, jobs.runs)
	})

	t.Run("queue unavailable", func(t *testing.T) {
		h := NewRunHandler(&fakePipeline{}, &fakeJobs{err: errors.New("redis down")}, &fakeRunStore{})

		rec := httptest.NewRecorder()
		h.CreateRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(runBody)))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("sync runs inline", func(t *testing.T) {
		p := &fakePipeline{run: &models.DeploymentRun{DeploymentID: "d-2", OverallStatus: models.RunStatusSuccess}}
		jobs := &fakeJobs{}
		h := NewRunHandler(p, jobs, &fakeRunStore{})

		rec := httptest.NewRecorder()
		h.CreateRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs?sync=true", strings.NewReader(runBody)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, jobs.runs)
	})
}

func TestCreateRunRejectsBadBody(t *testing.T) {
	h := NewRunHandler(&fakePipeline{}, nil, &fakeRunStore{})

	for _, body := range []string{"", "{", `{"environment":"production","unknown":true}`} {
		rec := httptest.NewRecorder()
		h.CreateRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestRunQueries(t *testing.T) {
	store := &fakeRunStore{
		runs: map[string]*models.DeploymentRun{
			"d-1": {DeploymentID: "d-1", Environment: "production"},
			"d-2": {DeploymentID: "d-2", Environment: "staging"},
		},
		logs: []state.DeploymentLog{
			{Phase: models.PhaseGates, Level: "info", Message: "gate passed", Details: `{"gate":"smoke"}`},
			{Phase: models.PhaseGates, Level: "warn", Message: "odd", Details: "not json"},
		},
	}
	h := NewRunHandler(&fakePipeline{}, nil, store)

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetRun(rec, withURLParams(httptest.NewRequest(http.MethodGet, "/api/v1/runs/d-1", nil), "id", "d-1"))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		h.GetRun(rec, withURLParams(httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil), "id", "nope"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?environment=staging&limit=1000", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListRunsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, "d-2", resp.Runs[0].DeploymentID)
		assert.Equal(t, maxListLimit, resp.Limit)

		rec = httptest.NewRecorder()
		h.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?offset=-1", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("logs", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetRunLogs(rec, withURLParams(httptest.NewRequest(http.MethodGet, "/api/v1/runs/d-1/logs", nil), "id", "d-1"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListLogsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Logs, 2)
		assert.Equal(t, "smoke", resp.Logs[0].Details["gate"])
		assert.Equal(t, "not json", resp.Logs[1].Details["raw"])

		rec = httptest.NewRecorder()
		h.GetRunLogs(rec, withURLParams(httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope/logs", nil), "id", "nope"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAbortRun(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "aborted", status: http.StatusOK},
		{name: "still executing", err: models.ConflictError{Environment: "production", ServiceName: "checkout", ActiveRunID: "d-1"}, status: http.StatusConflict},
		{name: "already finished", err: fmt.Errorf("run d-1 already finished as success: %w", state.ErrStaleState), status: http.StatusConflict},
		{name: "unknown run", err: state.ErrNotFound, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{abortErr: tt.err}
			h := NewRunHandler(p, nil, &fakeRunStore{})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/d-1/abort", strings.NewReader(`{"aborted_by":"mallory","reason":"worker node lost"}`))
			req = withURLParams(asOperator(req, "erin", RoleDeployer), "id", "d-1")
			rec := httptest.NewRecorder()
			h.AbortRun(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, []string{"erin"}, p.aborts)
			if tt.status != http.StatusOK {
				return
			}
			var run models.DeploymentRun
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
			assert.Equal(t, models.RunStatusFailed, run.OverallStatus)
			assert.Equal(t, "aborted by erin: worker node lost", run.Error)
		})
	}
}

type fakeResolver struct {
	err      error
	approver string
	decision models.Decision
	by       string
}

func (f *fakeResolver) Resolve(ctx context.Context, id, approver string, decision models.Decision, reason string) (*models.ApprovalRequest, error) {
	f.approver, f.decision = approver, decision
	if f.err != nil {
		return nil, f.err
	}
	return &models.ApprovalRequest{RequestID: id, Status: models.ApprovalApproved}, nil
}

func (f *fakeResolver) Cancel(ctx context.Context, id, by, reason string) (*models.ApprovalRequest, error) {
	f.by = by
	if f.err != nil {
		return nil, f.err
	}
	return &models.ApprovalRequest{RequestID: id, Status: models.ApprovalRejected, Reason: reason}, nil
}

type fakeApprovalStore struct{}

func (fakeApprovalStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return nil, fmt.Errorf("approval %s: %w", id, state.ErrNotFound)
}

func (fakeApprovalStore) ListApprovals(ctx context.Context, filter state.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	return []*models.ApprovalRequest{{RequestID: "a-1", Environment: filter.Environment, Status: filter.Status}}, nil
}

func TestApprovalDecisions(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "recorded", status: http.StatusOK},
		{name: "not an approver", err: fmt.Errorf("eve: %w", approval.ErrNotApprover), status: http.StatusForbidden},
		{name: "already resolved", err: approval.ErrResolved, status: http.StatusConflict},
		{name: "expired", err: approval.ErrExpired, status: http.StatusGone},
		{name: "unknown request", err: fmt.Errorf("approval x: %w", state.ErrNotFound), status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{err: tt.err}
			h := NewApprovalHandler(fakeApprovalStore{}, resolver)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/a-1/approve", nil)
			req = asOperator(withURLParams(req, "id", "a-1"), "carol", RoleApprover)
			rec := httptest.NewRecorder()
			h.Approve(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "carol", resolver.approver)
			assert.Equal(t, models.DecisionApprove, resolver.decision)
		})
	}
}

func TestApprovalBodyIdentity(t *testing.T) {
	resolver := &fakeResolver{}
	h := NewApprovalHandler(fakeApprovalStore{}, resolver)

	req := withURLParams(httptest.NewRequest(http.MethodPost, "/api/v1/approvals/a-1/reject",
		strings.NewReader(`{"approver":"dave","reason":"not today"}`)), "id", "a-1")
	rec := httptest.NewRecorder()
	h.Reject(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dave", resolver.approver)
	assert.Equal(t, models.DecisionReject, resolver.decision)

	// an authenticated identity wins over the body
	req = withURLParams(httptest.NewRequest(http.MethodPost, "/api/v1/approvals/a-1/reject",
		strings.NewReader(`{"approver":"dave"}`)), "id", "a-1")
	rec = httptest.NewRecorder()
	h.Reject(rec, asOperator(req, "carol", RoleApprover))
	assert.Equal(t, "carol", resolver.approver)

	req = withURLParams(httptest.NewRequest(http.MethodPost, "/api/v1/approvals/a-1/cancel", nil), "id", "a-1")
	rec = httptest.NewRecorder()
	h.Cancel(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resolver.by)

	rec = httptest.NewRecorder()
	h.Cancel(rec, asOperator(req, "erin", RoleDeployer))
	assert.Equal(t, "erin", resolver.by)
}

func TestApprovalQueries(t *testing.T) {
	h := NewApprovalHandler(fakeApprovalStore{}, &fakeResolver{})

	rec := httptest.NewRecorder()
	h.ListApprovals(rec, httptest.NewRequest(http.MethodGet, "/api/v1/approvals?environment=production&status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var approvals []*models.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approvals))
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalPending, approvals[0].Status)

	rec = httptest.NewRecorder()
	h.GetApproval(rec, withURLParams(httptest.NewRequest(http.MethodGet, "/api/v1/approvals/x", nil), "id", "x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeIncidents struct {
	opened   []*models.Incident
	resolved []string
}

func (f *fakeIncidents) OpenIncident(ctx context.Context, inc *models.Incident) error {
	inc.ID = fmt.Sprintf("inc-%d", len(f.opened)+1)
	inc.Active = true
	f.opened = append(f.opened, inc)
	return nil
}

func (f *fakeIncidents) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	for _, inc := range f.opened {
		if inc.ID == id {
			f.resolved = append(f.resolved, id)
			return nil
		}
	}
	return fmt.Errorf("incident %s: %w", id, state.ErrNotFound)
}

func (f *fakeIncidents) ListIncidents(ctx context.Context, env string, activeOnly bool) ([]*models.Incident, error) {
	return f.opened, nil
}

func TestIncidents(t *testing.T) {
	store := &fakeIncidents{}
	h := NewIncidentHandler(store)

	rec := httptest.NewRecorder()
	h.OpenIncident(rec, httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(`{"environment":"production"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents",
		strings.NewReader(`{"environment":"production","service_name":"checkout","title":"elevated 5xx"}`))
	rec = httptest.NewRecorder()
	h.OpenIncident(rec, asOperator(req, "sre-on-call", RoleDeployer))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, store.opened, 1)
	assert.Equal(t, "sre-on-call", store.opened[0].OpenedBy)

	rec = httptest.NewRecorder()
	h.ResolveIncident(rec, withURLParams(httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-1/resolve", nil), "id", "inc-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ResolveIncident(rec, withURLParams(httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-9/resolve", nil), "id", "inc-9"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ListIncidents(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents?active=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakePoints struct {
	err error
}

func (f fakePoints) ListRollbackPoints(ctx context.Context, env, service string) ([]*models.RollbackSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*models.RollbackSnapshot{{ID: "snap-1", Environment: env, ServiceName: service, Version: "v1.4.1"}}, nil
}

type fakeEnvironments []string

func (f fakeEnvironments) Names(ctx context.Context) ([]string, error) {
	return f, nil
}

func rollbackRequest(body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, "/api/v1/environments/production/services/checkout/rollback", nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, "/api/v1/environments/production/services/checkout/rollback", strings.NewReader(body))
	}
	return withURLParams(req, "env", "production", "service", "checkout")
}

func TestRollbackQueued(t *testing.T) {
	jobs := &fakeJobs{}
	h := NewEnvironmentHandler(fakeEnvironments{"production"}, fakePoints{}, &fakePipeline{}, jobs)

	rec := httptest.NewRecorder()
	h.Rollback(rec, asOperator(rollbackRequest(`{"snapshot_id":"snap-1"}`), "alice", RoleDeployer))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, jobs.rollbacks, 1)
	assert.Equal(t, &queue.RollbackPayload{
		Environment: "production",
		ServiceName: "checkout",
		SnapshotID:  "snap-1",
		RequestedBy: "alice",
	}, jobs.rollbacks[0])
}

func TestRollbackInline(t *testing.T) {
	tests := []struct {
		name    string
		restore *rollback.RestoreResult
		err     error
		status  int
		message string
	}{
		{name: "restored", restore: &rollback.RestoreResult{SnapshotID: "snap-1", Version: "v1.4.1", Verified: true}, status: http.StatusOK},
		{name: "nothing to restore", err: fmt.Errorf("production/checkout: %w", rollback.ErrNoSnapshot), status: http.StatusNotFound},
		{
			name:    "restore failed",
			err:     models.RollbackFailure{Environment: "production", ServiceName: "checkout", SnapshotID: "snap-1", Err: errors.New("replicas never ready")},
			status:  http.StatusInternalServerError,
			message: "replicas never ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{restore: tt.restore, restoreErr: tt.err}
			h := NewEnvironmentHandler(fakeEnvironments{"production"}, fakePoints{}, p, nil)

			rec := httptest.NewRecorder()
			h.Rollback(rec, rollbackRequest(""))

			assert.Equal(t, tt.status, rec.Code)
			require.Len(t, p.rollbacks, 1)
			assert.Equal(t, "production", p.rollbacks[0].Environment)
			if tt.message != "" {
				assert.Contains(t, decodeError(t, rec).Message, tt.message)
			}
		})
	}
}

func TestEnvironmentQueries(t *testing.T) {
	h := NewEnvironmentHandler(fakeEnvironments{"production", "staging"}, fakePoints{}, &fakePipeline{}, nil)

	rec := httptest.NewRecorder()
	h.ListEnvironments(rec, httptest.NewRequest(http.MethodGet, "/api/v1/environments", nil))
	assert.JSONEq(t, `["production","staging"]`, rec.Body.String())

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), "env", "production", "service", "checkout")
	rec = httptest.NewRecorder()
	h.ListRollbackPoints(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var points []*models.RollbackSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 1)
	assert.Equal(t, "checkout", points[0].ServiceName)
}
