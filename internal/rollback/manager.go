// Package rollback captures pre-deployment state and restores it when a run fails.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/health"
	"github.com/alvesdmateus/release-gate/internal/strategy"
	"github.com/alvesdmateus/release-gate/internal/workload"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

// DefaultMaxHistory bounds the snapshots kept per environment and service
const DefaultMaxHistory = 10

// ErrNoSnapshot is wrapped in a RollbackFailure when nothing restorable exists
var ErrNoSnapshot = errors.New("no restorable snapshot")

// Store persists snapshots
type Store interface {
	CreateSnapshot(ctx context.Context, snap *models.RollbackSnapshot, maxHistory int) error
	ListSnapshots(ctx context.Context, env, service string) ([]*models.RollbackSnapshot, error)
	GetSnapshot(ctx context.Context, id string) (*models.RollbackSnapshot, error)
}

// Config tunes the manager
type Config struct {
	MaxHistory int
	// Strategy re-applies a snapshot when the environment does not name one
	Strategy models.Strategy
}

// Manager records and restores rollback snapshots
type Manager struct {
	store   Store
	orch    workload.Orchestrator
	engine  *strategy.Engine
	checker *health.Checker
	clock   clock.Clock
	cfg     Config
	logger  zerolog.Logger
}

// NewManager creates a rollback manager
func NewManager(store Store, orch workload.Orchestrator, engine *strategy.Engine, checker *health.Checker, c clock.Clock, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Strategy == "" {
		cfg.Strategy = models.StrategyRecreate
	}
	return &Manager{
		store:   store,
		orch:    orch,
		engine:  engine,
		checker: checker,
		clock:   c,
		cfg:     cfg,
		logger:  logger.With().Str("component", "rollback").Logger(),
	}
}

// Snapshot records what is serving traffic for the run's service before anything changes.
// A service that has never been deployed yields a snapshot with no version.
func (m *Manager) Snapshot(ctx context.Context, run *models.DeploymentRun) (*models.RollbackSnapshot, error) {
	snap := &models.RollbackSnapshot{
		DeploymentID: run.DeploymentID,
		Environment:  run.Environment,
		ServiceName:  run.ServiceName,
		CreatedAt:    m.clock.Now(),
		ArtifactRefs: make(map[string]string),
	}

	active, err := m.orch.ActiveWorkload(ctx, run.Environment, run.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to read traffic selector: %w", err)
	}
	if active != "" {
		st, err := m.orch.Status(ctx, run.Environment, active)
		if err != nil {
			return nil, fmt.Errorf("failed to read workload %s: %w", active, err)
		}
		snap.ArtifactRefs[models.ArtifactSelector] = active
		if st.Exists {
			snap.Version = st.Version
			snap.ArtifactRefs[models.ArtifactWorkload] = active
			snap.ArtifactRefs[models.ArtifactImage] = st.Image
			snap.ArtifactRefs[models.ArtifactReplicas] = strconv.Itoa(int(st.Desired))
		}
	}

	if err := m.store.CreateSnapshot(ctx, snap, m.cfg.MaxHistory); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("deploymentId", run.DeploymentID).
		Str("snapshotId", snap.ID).
		Str("environment", run.Environment).
		Str("service", run.ServiceName).
		Str("version", snap.Version).
		Msg("Snapshot recorded")

	return snap, nil
}

// ListRollbackPoints returns restorable snapshots, newest first
func (m *Manager) ListRollbackPoints(ctx context.Context, env, service string) ([]*models.RollbackSnapshot, error) {
	snaps, err := m.store.ListSnapshots(ctx, env, service)
	if err != nil {
		return nil, err
	}
	points := make([]*models.RollbackSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Version != "" {
			points = append(points, s)
		}
	}
	return points, nil
}

// RestoreRequest selects what to restore
type RestoreRequest struct {
	Environment models.Environment
	ServiceName string
	// SnapshotID restores a specific snapshot. When empty the snapshot taken
	// for FailedRun, or the newest one older than it, is used.
	SnapshotID string
	FailedRun  *models.DeploymentRun
}

// RestoreResult describes a verified restore
type RestoreResult struct {
	SnapshotID string          `json:"snapshot_id"`
	Version    string          `json:"version"`
	Workload   string          `json:"workload"`
	Strategy   models.Strategy `json:"strategy"`
	Verified   bool            `json:"verified"`
}

// Restore re-applies a snapshot's version and verifies it with a health check.
// Every failure is a models.RollbackFailure and must not be retried automatically.
func (m *Manager) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	env := req.Environment
	fail := func(snapshotID string, err error) (*RestoreResult, error) {
		m.logger.Error().
			Err(err).
			Str("environment", env.Name).
			Str("service", req.ServiceName).
			Str("snapshotId", snapshotID).
			Msg("Rollback failed, manual intervention required")
		return nil, models.RollbackFailure{Environment: env.Name, ServiceName: req.ServiceName, SnapshotID: snapshotID, Err: err}
	}

	snap, err := m.selectSnapshot(ctx, req)
	if err != nil {
		return fail(req.SnapshotID, err)
	}

	strat := env.ResourceProfile.RollbackStrategy
	if strat == "" {
		strat = m.cfg.Strategy
	}
	if strat != models.StrategyRecreate && strat != models.StrategyRolling {
		return fail(snap.ID, fmt.Errorf("rollback strategy must be recreate or rolling, got %q", strat))
	}

	plan, err := strategy.BuildPlan(strat, env, snap.Version)
	if err != nil {
		return fail(snap.ID, err)
	}
	if image := snap.ArtifactRefs[models.ArtifactImage]; image != "" {
		plan.Image = image
	}
	if n, err := strconv.Atoi(snap.ArtifactRefs[models.ArtifactReplicas]); err == nil && n > 0 {
		plan.Replicas = int32(n)
	}

	m.logger.Warn().
		Str("environment", env.Name).
		Str("service", req.ServiceName).
		Str("snapshotId", snap.ID).
		Str("version", snap.Version).
		Str("strategy", string(strat)).
		Msg("Restoring snapshot")

	target := strategy.Target{Environment: env.Name, Service: req.ServiceName}
	res := m.engine.Execute(ctx, plan, target)
	if !res.Succeeded {
		return fail(snap.ID, fmt.Errorf("re-applying %s: %w", snap.Version, res.Err))
	}

	active, err := m.verify(ctx, plan, target)
	if err != nil {
		return fail(snap.ID, err)
	}
	m.removeLeftovers(ctx, target, active)

	m.logger.Info().
		Str("environment", env.Name).
		Str("service", req.ServiceName).
		Str("version", snap.Version).
		Str("workload", active).
		Msg("Rollback verified")

	return &RestoreResult{
		SnapshotID: snap.ID,
		Version:    snap.Version,
		Workload:   active,
		Strategy:   strat,
		Verified:   true,
	}, nil
}

func (m *Manager) selectSnapshot(ctx context.Context, req RestoreRequest) (*models.RollbackSnapshot, error) {
	if req.SnapshotID != "" {
		snap, err := m.store.GetSnapshot(ctx, req.SnapshotID)
		if err != nil {
			return nil, err
		}
		if snap.Environment != req.Environment.Name || snap.ServiceName != req.ServiceName {
			return nil, fmt.Errorf("snapshot %s belongs to %s/%s", snap.ID, snap.Environment, snap.ServiceName)
		}
		if snap.Version == "" {
			return nil, fmt.Errorf("snapshot %s: %w", snap.ID, ErrNoSnapshot)
		}
		return snap, nil
	}

	snaps, err := m.store.ListSnapshots(ctx, req.Environment.Name, req.ServiceName)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if s.Version == "" {
			continue
		}
		if req.FailedRun == nil ||
			s.DeploymentID == req.FailedRun.DeploymentID ||
			s.CreatedAt.Before(req.FailedRun.CreatedAt) {
			return s, nil
		}
	}
	return nil, ErrNoSnapshot
}

// verify polls the workload now receiving traffic
func (m *Manager) verify(ctx context.Context, plan models.StrategyPlan, t strategy.Target) (string, error) {
	active, err := m.orch.ActiveWorkload(ctx, t.Environment, t.Service)
	if err != nil {
		return "", fmt.Errorf("failed to read traffic selector: %w", err)
	}
	if active == "" {
		return "", errors.New("no workload receives traffic after restore")
	}
	st, err := m.orch.Status(ctx, t.Environment, active)
	if err != nil {
		return "", fmt.Errorf("failed to read workload %s: %w", active, err)
	}
	if st.Version != plan.Version {
		return "", fmt.Errorf("workload %s runs %s, expected %s", active, st.Version, plan.Version)
	}

	target := t.Environment + "/" + active
	res := m.checker.Poll(ctx, target, strategy.ReadyProbe(m.orch, t.Environment, active, plan.Replicas), health.OptionsFrom(plan.HealthCheck))
	if err := res.Failure(target); err != nil {
		return "", fmt.Errorf("verification: %w", err)
	}
	return active, nil
}

// removeLeftovers deletes the idle slot a failed rollout may have left behind
func (m *Manager) removeLeftovers(ctx context.Context, t strategy.Target, active string) {
	color := workload.ColorOf(t.Service, active)
	if color == "" {
		return
	}
	idle := workload.SlotName(t.Service, workload.OtherColor(color))
	st, err := m.orch.Status(ctx, t.Environment, idle)
	if err != nil || !st.Exists {
		return
	}
	if err := m.orch.Delete(ctx, t.Environment, idle); err != nil && !errors.Is(err, workload.ErrNotFound) {
		m.logger.Warn().Err(err).Str("workload", idle).Msg("Failed to remove leftover workload")
	}
}
