package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alvesdmateus/release-gate/internal/lock"
	"github.com/alvesdmateus/release-gate/internal/notify"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// strand leaves a running row behind as a killed worker would: no lease is
// held and nothing will finish it
func (h *harness) strand(t *testing.T, req models.DeploymentRequest) *models.DeploymentRun {
	t.Helper()
	run := &models.DeploymentRun{
		DeploymentID:  req.DeploymentID,
		Environment:   req.Environment,
		ServiceName:   req.ServiceName,
		Version:       req.VersionRef,
		Strategy:      req.Strategy,
		Phase:         models.PhaseGates,
		OverallStatus: models.RunStatusRunning,
		RequestedBy:   req.RequestedBy,
		CreatedAt:     epoch.Add(-time.Hour),
	}
	require.NoError(t, h.repo.CreateRun(context.Background(), run))
	return run
}

func (h *harness) messages(t *testing.T, deploymentID string) []string {
	t.Helper()
	logs, err := h.repo.ListDeploymentLogs(context.Background(), deploymentID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func TestAbort(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	stuck := h.strand(t, request(models.StrategyRolling))

	// the stranded row blocks the service
	_, err := h.ctrl.RunPipeline(ctx, request(models.StrategyRolling))
	var conflict models.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, stuck.DeploymentID, conflict.ActiveRunID)

	run, err := h.ctrl.Abort(ctx, stuck.DeploymentID, "carol", "node lost")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.OverallStatus)
	assert.Equal(t, "aborted by carol: node lost", run.Error)
	assert.False(t, h.locker.Held(lock.Key("staging", "checkout")), "lease released")

	stored, err := h.repo.GetRun(ctx, stuck.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.OverallStatus)
	assert.NotNil(t, stored.FinishedAt)
	assert.Contains(t, h.messages(t, stuck.DeploymentID), "Run abandoned")

	assert.Equal(t, []string{notify.EventRunAbandoned}, h.notes.kinds())
	assert.True(t, h.notes.last().Page)

	_, err = h.ctrl.Abort(ctx, stuck.DeploymentID, "carol", "")
	assert.ErrorIs(t, err, state.ErrStaleState)

	next, err := h.ctrl.RunPipeline(ctx, request(models.StrategyRolling))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, next.OverallStatus)
}

func TestAbortRefusesExecutingRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	stuck := h.strand(t, request(models.StrategyRolling))

	lease, err := h.locker.Acquire(ctx, lock.Key("staging", "checkout"))
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = h.ctrl.Abort(ctx, stuck.DeploymentID, "", "")
	var conflict models.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, stuck.DeploymentID, conflict.ActiveRunID)

	stored, err := h.repo.GetRun(ctx, stuck.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stored.OverallStatus)

	_, err = h.ctrl.Abort(ctx, "missing", "", "")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestAbortDefaultsIdentity(t *testing.T) {
	h := newHarness(t, nil)
	stuck := h.strand(t, request(models.StrategyRolling))

	run, err := h.ctrl.Abort(context.Background(), stuck.DeploymentID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "aborted by operator", run.Error)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	stuck := h.strand(t, request(models.StrategyRolling))
	payments := request(models.StrategyRolling)
	payments.ServiceName = "payments"
	kept := h.strand(t, payments)
	busyReq := request(models.StrategyRolling)
	busyReq.ServiceName = "search"
	busy := h.strand(t, busyReq)

	lease, err := h.locker.Acquire(ctx, lock.Key("staging", "search"))
	require.NoError(t, err)
	defer lease.Release(ctx)

	n, err := h.ctrl.Reconcile(ctx, map[string]bool{kept.DeploymentID: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]models.RunStatus{
		stuck.DeploymentID: models.RunStatusFailed,
		kept.DeploymentID:  models.RunStatusRunning,
		busy.DeploymentID:  models.RunStatusRunning,
	} {
		got, err := h.repo.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.OverallStatus, id)
	}
	assert.Contains(t, h.messages(t, stuck.DeploymentID), "Run abandoned")

	run, err := h.ctrl.RunPipeline(ctx, request(models.StrategyRolling))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.OverallStatus)
}

func TestRunPipelineResumesOwnRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := request(models.StrategyRolling)
	stuck := h.strand(t, req)

	run, err := h.ctrl.RunPipeline(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, stuck.DeploymentID, run.DeploymentID)
	assert.Equal(t, models.RunStatusSuccess, run.OverallStatus)
	assert.True(t, run.CreatedAt.Equal(stuck.CreatedAt), "keeps the first start time")
	assert.Len(t, run.Results, 3)
	assert.Equal(t, "v2", h.live(t).Version)

	msgs := h.messages(t, run.DeploymentID)
	assert.Contains(t, msgs, "Run resumed after its previous executor stopped")
	assert.NotContains(t, msgs, "Snapshot captured")

	// a finished run is not started again
	_, err = h.ctrl.RunPipeline(ctx, req)
	assert.ErrorIs(t, err, state.ErrStaleState)
}

func claimedJob(t *testing.T, q *queue.RedisQueue, id string, req models.DeploymentRequest) *queue.Job {
	t.Helper()
	job := &queue.Job{ID: id, Type: queue.JobTypeRun, DeploymentID: req.DeploymentID, MaxAttempts: 3, Run: &queue.RunPayload{Request: req}}
	require.NoError(t, q.MarkProcessing(context.Background(), job))
	return job
}

func TestRecoveryRequeuesOrphanedJobs(t *testing.T) {
	h := newHarness(t, nil)
	q := setupWorkerQueue(t)
	ctx := context.Background()

	req := request(models.StrategyRolling)
	stuck := h.strand(t, req)
	claimedJob(t, q, "job-1", req)

	orphanReq := request(models.StrategyRolling)
	orphanReq.ServiceName = "payments"
	orphan := h.strand(t, orphanReq)

	report, err := NewRecovery(q, h.locker, h.ctrl, time.Nanosecond, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Requeued: 1, Abandoned: 1}, report)

	claims, err := q.GetClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims)

	// the requeued job resumes its run instead of failing it
	got, err := h.repo.GetRun(ctx, stuck.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.OverallStatus)
	got, err = h.repo.GetRun(ctx, orphan.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.OverallStatus)

	job, err := q.Dequeue(ctx, queue.JobTypeRun, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)

	run, err := h.ctrl.RunPipeline(ctx, job.Run.Request)
	require.NoError(t, err)
	assert.Equal(t, stuck.DeploymentID, run.DeploymentID)
	assert.Equal(t, models.RunStatusSuccess, run.OverallStatus)
}

func TestRecoveryLeavesLiveClaims(t *testing.T) {
	h := newHarness(t, nil)
	q := setupWorkerQueue(t)
	ctx := context.Background()

	young := request(models.StrategyRolling)
	h.strand(t, young)
	claimedJob(t, q, "job-young", young)

	report, err := NewRecovery(q, h.locker, h.ctrl, time.Hour, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)

	lease, err := h.locker.Acquire(ctx, lock.Key("staging", "checkout"))
	require.NoError(t, err)
	defer lease.Release(ctx)

	report, err = NewRecovery(q, h.locker, h.ctrl, time.Nanosecond, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)

	claims, err := q.GetClaims(ctx)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
	n, err := q.GetQueueLength(ctx, queue.JobTypeRun)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoveryWithoutQueue(t *testing.T) {
	h := newHarness(t, nil)
	stuck := h.strand(t, request(models.StrategyRolling))

	report, err := NewRecovery(nil, h.locker, h.ctrl, 0, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Abandoned: 1}, report)

	got, err := h.repo.GetRun(context.Background(), stuck.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.OverallStatus)
}
