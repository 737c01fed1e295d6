package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alvesdmateus/release-gate/pkg/database"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRepo creates an in-memory SQLite repository
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{Driver: database.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() { database.Close(db) })
	return NewRepository(db)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(env, svc, version string) *models.DeploymentRun {
	return &models.DeploymentRun{
		Environment:   env,
		ServiceName:   svc,
		Version:       version,
		Strategy:      models.StrategyRolling,
		Phase:         models.PhaseAccepted,
		OverallStatus: models.RunStatusRunning,
		RequestedBy:   "alice",
		CreatedAt:     t0,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newRun("staging", "checkout", "v1")
	require.NoError(t, repo.CreateRun(ctx, run))
	assert.NotEmpty(t, run.DeploymentID)

	got, err := repo.GetRun(ctx, run.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "checkout", got.ServiceName)
	assert.Equal(t, models.RunStatusRunning, got.OverallStatus)
	assert.Empty(t, got.Results)

	_, err = repo.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRunConflict(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	first := newRun("prod", "checkout", "v1")
	require.NoError(t, repo.CreateRun(ctx, first))

	err := repo.CreateRun(ctx, newRun("prod", "checkout", "v2"))
	var conflict models.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.DeploymentID, conflict.ActiveRunID)

	// other keys are independent
	assert.NoError(t, repo.CreateRun(ctx, newRun("prod", "payments", "v1")))
	assert.NoError(t, repo.CreateRun(ctx, newRun("staging", "checkout", "v1")))

	// finishing releases the key
	require.NoError(t, repo.FinishRun(ctx, first.DeploymentID, models.RunStatusSuccess, "", t0))
	assert.NoError(t, repo.CreateRun(ctx, newRun("prod", "checkout", "v2")))
}

func TestCreateRunResumesOwnRow(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	first := newRun("prod", "checkout", "v2")
	require.NoError(t, repo.CreateRun(ctx, first))
	assert.False(t, first.Resumed)
	require.NoError(t, repo.UpdatePhase(ctx, first.DeploymentID, models.PhaseGates))

	again := newRun("prod", "checkout", "v2")
	again.DeploymentID = first.DeploymentID
	again.CreatedAt = t0.Add(time.Hour)
	require.NoError(t, repo.CreateRun(ctx, again))
	assert.True(t, again.Resumed)
	assert.True(t, again.CreatedAt.Equal(t0), "keeps the original start time")

	got, err := repo.GetRun(ctx, first.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseGates, got.Phase)

	// same ID for another version is refused
	other := newRun("prod", "checkout", "v3")
	other.DeploymentID = first.DeploymentID
	var invalid models.ValidationError
	assert.True(t, errors.As(repo.CreateRun(ctx, other), &invalid))

	// a finished run cannot be resumed
	require.NoError(t, repo.FinishRun(ctx, first.DeploymentID, models.RunStatusFailed, "aborted", t0))
	late := newRun("prod", "checkout", "v2")
	late.DeploymentID = first.DeploymentID
	assert.ErrorIs(t, repo.CreateRun(ctx, late), ErrStaleState)
}

func TestCreateRunConcurrentOnlyOneWins(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.CreateRun(ctx, newRun("prod", "checkout", fmt.Sprintf("v%d", i)))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict models.ConflictError
		assert.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestFinishRunCompareAndSwap(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newRun("prod", "checkout", "v1")
	require.NoError(t, repo.CreateRun(ctx, run))

	require.NoError(t, repo.FinishRun(ctx, run.DeploymentID, models.RunStatusFailed, "gate tests failed", t0.Add(time.Minute)))

	err := repo.FinishRun(ctx, run.DeploymentID, models.RunStatusSuccess, "", t0)
	assert.ErrorIs(t, err, ErrStaleState)

	got, err := repo.GetRun(ctx, run.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.OverallStatus)
	assert.Equal(t, "gate tests failed", got.Error)
	require.NotNil(t, got.FinishedAt)

	active, err := repo.ActiveRun(ctx, "prod", "checkout")
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.Error(t, repo.FinishRun(ctx, run.DeploymentID, models.RunStatusRunning, "", t0))
}

func TestSaveGateResultUpserts(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newRun("prod", "checkout", "v1")
	require.NoError(t, repo.CreateRun(ctx, run))

	require.NoError(t, repo.SaveGateResult(ctx, run.DeploymentID, 0, models.GateExecutionResult{GateName: "tests", Status: models.GateStatusRunning, Attempt: 1, StartedAt: t0}))
	end := t0.Add(time.Second)
	require.NoError(t, repo.SaveGateResult(ctx, run.DeploymentID, 0, models.GateExecutionResult{GateName: "tests", Status: models.GateStatusPassed, Attempt: 2, StartedAt: t0, EndedAt: &end}))
	require.NoError(t, repo.SaveGateResult(ctx, run.DeploymentID, 1, models.GateExecutionResult{GateName: "deploy", Status: models.GateStatusRunning, Attempt: 1, StartedAt: end}))

	got, err := repo.GetRun(ctx, run.DeploymentID)
	require.NoError(t, err)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "tests", got.Results[0].GateName)
	assert.Equal(t, models.GateStatusPassed, got.Results[0].Status)
	assert.Equal(t, 2, got.Results[0].Attempt)
	assert.Equal(t, "deploy", got.Results[1].GateName)
}

func TestListRunsAndHistory(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i, v := range []string{"v1", "v2", "v3"} {
		run := newRun("staging", "checkout", v)
		run.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateRun(ctx, run))
		status := models.RunStatusSuccess
		if v == "v2" {
			status = models.RunStatusFailed
		}
		require.NoError(t, repo.FinishRun(ctx, run.DeploymentID, status, "", t0))
	}

	runs, err := repo.ListRuns(ctx, RunFilter{Environment: "staging"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "v3", runs[0].Version)

	failedRuns, err := repo.ListRuns(ctx, RunFilter{Status: models.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failedRuns, 1)

	ok, err := repo.HasSuccessfulRun(ctx, "staging", "checkout", "v1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.HasSuccessfulRun(ctx, "staging", "checkout", "v2")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := repo.CountRunsByStatus(ctx, models.RunStatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSnapshotHistoryIsBounded(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	const maxHistory = 3

	for i := 0; i < 7; i++ {
		snap := &models.RollbackSnapshot{
			DeploymentID: fmt.Sprintf("run-%d", i),
			Environment:  "prod",
			ServiceName:  "checkout",
			Version:      fmt.Sprintf("v%d", i),
			CreatedAt:    t0.Add(time.Duration(i) * time.Minute),
			ArtifactRefs: map[string]string{models.ArtifactImage: fmt.Sprintf("reg/checkout:v%d", i)},
		}
		require.NoError(t, repo.CreateSnapshot(ctx, snap, maxHistory))

		list, err := repo.ListSnapshots(ctx, "prod", "checkout")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(list), maxHistory)
	}

	list, err := repo.ListSnapshots(ctx, "prod", "checkout")
	require.NoError(t, err)
	require.Len(t, list, maxHistory)
	assert.Equal(t, []string{"v6", "v5", "v4"}, []string{list[0].Version, list[1].Version, list[2].Version})
	assert.Equal(t, "reg/checkout:v6", list[0].ArtifactRefs[models.ArtifactImage])

	// other services keep their own history
	require.NoError(t, repo.CreateSnapshot(ctx, &models.RollbackSnapshot{DeploymentID: "x", Environment: "prod", ServiceName: "payments", Version: "v1"}, maxHistory))
	list, err = repo.ListSnapshots(ctx, "prod", "checkout")
	require.NoError(t, err)
	assert.Len(t, list, maxHistory)
}

func TestSnapshotEvictionTieBreaksOnInsertOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateSnapshot(ctx, &models.RollbackSnapshot{
			DeploymentID: fmt.Sprintf("run-%d", i), Environment: "prod", ServiceName: "api",
			Version: fmt.Sprintf("v%d", i), CreatedAt: t0,
		}, 2))
	}

	list, err := repo.ListSnapshots(ctx, "prod", "api")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v2", list[0].Version)
	assert.Equal(t, "v1", list[1].Version)

	got, err := repo.GetSnapshot(ctx, list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Version)

	byRun, err := repo.GetSnapshotForRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, byRun.ID)

	_, err = repo.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprovalLifecycle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	req := &models.ApprovalRequest{
		DeploymentID:      "run-1",
		GateName:          "prod-signoff",
		Environment:       "prod",
		ServiceName:       "checkout",
		Version:           "v2",
		RequiredApprovers: models.NewStringSet("alice", "bob"),
		RequiredCount:     2,
		Approvals:         models.NewStringSet(),
		Rejections:        models.NewStringSet(),
		Status:            models.ApprovalPending,
		CreatedAt:         t0,
		ExpiresAt:         t0.Add(2 * time.Hour),
	}
	created, err := repo.CreateApproval(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, created.RequestID)
	assert.True(t, created.RequiredApprovers.Has("bob"))

	again, err := repo.CreateApproval(ctx, &models.ApprovalRequest{DeploymentID: "run-1", GateName: "prod-signoff", Environment: "prod", ServiceName: "checkout"})
	require.NoError(t, err)
	assert.Equal(t, created.RequestID, again.RequestID, "one request per run and gate")

	// two writers read the same revision; only the first update lands
	a, err := repo.GetApproval(ctx, created.RequestID)
	require.NoError(t, err)
	b, err := repo.GetApproval(ctx, created.RequestID)
	require.NoError(t, err)

	a.Approvals.Add("alice")
	require.NoError(t, repo.CompareAndSwapApproval(ctx, a))
	assert.Equal(t, int64(1), a.Revision)

	b.Rejections.Add("bob")
	assert.ErrorIs(t, repo.CompareAndSwapApproval(ctx, b), ErrStaleState)

	stored, err := repo.GetApproval(ctx, created.RequestID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, stored.Approvals.List())
	assert.Empty(t, stored.Rejections.List())

	resolved := t0.Add(time.Hour)
	stored.Approvals.Add("bob")
	stored.Status = models.ApprovalApproved
	stored.ResolvedAt = &resolved
	require.NoError(t, repo.CompareAndSwapApproval(ctx, stored))

	ok, err := repo.HasValidApproval(ctx, "prod", "checkout", "v2", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.HasValidApproval(ctx, "prod", "checkout", "v2", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := repo.ListApprovals(ctx, ApprovalFilter{Status: models.ApprovalPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = repo.FindApproval(ctx, "run-1", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncidents(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	inc, err := repo.ActiveIncident(ctx, "prod", "checkout")
	require.NoError(t, err)
	assert.Nil(t, inc)

	opened := &models.Incident{Environment: "prod", ServiceName: "checkout", Title: "elevated 5xx", OpenedBy: "oncall", OpenedAt: t0}
	require.NoError(t, repo.OpenIncident(ctx, opened))

	inc, err = repo.ActiveIncident(ctx, "prod", "checkout")
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, opened.ID, inc.ID)

	list, err := repo.ListIncidents(ctx, "prod", true)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.ResolveIncident(ctx, opened.ID, t0.Add(time.Hour)))
	assert.ErrorIs(t, repo.ResolveIncident(ctx, opened.ID, t0), ErrNotFound)

	inc, err = repo.ActiveIncident(ctx, "prod", "checkout")
	require.NoError(t, err)
	assert.Nil(t, inc)

	list, err = repo.ListIncidents(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
}

func TestDeploymentLogs(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i, msg := range []string{"accepted", "gate passed", "finished"} {
		require.NoError(t, repo.CreateDeploymentLog(ctx, &DeploymentLog{
			DeploymentID: "run-1", Phase: "GATES", Level: "INFO", Message: msg,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := repo.ListDeploymentLogs(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "accepted", logs[0].Message)

	logs, err = repo.ListDeploymentLogs(ctx, "run-1", 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestOperatorsAndAPIKeys(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := &Operator{Username: "alice", PasswordHash: "hash", Role: "approver", Active: true}
	require.NoError(t, repo.CreateOperator(ctx, op))
	assert.NotEmpty(t, op.ID)

	err := repo.CreateOperator(ctx, &Operator{Username: "alice", PasswordHash: "other", Role: "deployer", Active: true})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := repo.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.True(t, got.Active)

	_, err = repo.GetOperator(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	key := &APIKey{OperatorID: op.ID, Name: "ci", KeyHash: "abc123", KeyPrefix: "rg_abc", Active: true, CreatedAt: t0}
	require.NoError(t, repo.CreateAPIKey(ctx, key))

	found, err := repo.FindAPIKey(ctx, "abc123", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, found.LastUsed)
	assert.Equal(t, op.ID, found.OperatorID)

	keys, err := repo.ListAPIKeys(ctx, op.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, repo.RevokeAPIKey(ctx, op.ID, key.ID))
	assert.ErrorIs(t, repo.RevokeAPIKey(ctx, op.ID, key.ID), ErrNotFound)

	_, err = repo.FindAPIKey(ctx, "abc123", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}
