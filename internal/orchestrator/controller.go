// Package orchestrator runs deployment pipelines: it validates a request,
// takes the service lease, evaluates policy, snapshots the live state, walks
// the environment's gates in order and rolls back when a committed change fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/internal/approval"
	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/gates"
	"github.com/alvesdmateus/release-gate/internal/lock"
	"github.com/alvesdmateus/release-gate/internal/notify"
	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/internal/policy"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultGateBackoff = 10 * time.Second
	persistTimeout     = 10 * time.Second
)

// Store persists runs, gate results and the audit log
type Store interface {
	LogStore
	CreateRun(ctx context.Context, run *models.DeploymentRun) error
	GetRun(ctx context.Context, id string) (*models.DeploymentRun, error)
	ListRuns(ctx context.Context, filter state.RunFilter) ([]*models.DeploymentRun, error)
	UpdatePhase(ctx context.Context, id, phase string) error
	SaveGateResult(ctx context.Context, id string, seq int, result models.GateExecutionResult) error
	FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg string, finishedAt time.Time) error
}

// Environments resolves environment definitions at run start. Unknown names
// are reported as models.ValidationError.
type Environments interface {
	Environment(ctx context.Context, name string) (models.Environment, error)
}

// PolicyEvaluator checks a request against an environment's policy
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req models.DeploymentRequest, env models.Environment) (policy.Result, error)
}

// RollbackManager snapshots and restores serving state
type RollbackManager interface {
	Snapshot(ctx context.Context, run *models.DeploymentRun) (*models.RollbackSnapshot, error)
	Restore(ctx context.Context, req rollback.RestoreRequest) (*rollback.RestoreResult, error)
}

// Approvals collects sign-off for manual gates
type Approvals interface {
	RequestApproval(ctx context.Context, r approval.Request) (*models.ApprovalRequest, error)
	Wait(ctx context.Context, requestID string) (*models.ApprovalRequest, error)
}

// Notifier delivers events without blocking the run
type Notifier interface {
	Dispatch(ctx context.Context, evt notify.Event)
}

// Config tunes the controller
type Config struct {
	// GateBackoff is the delay between attempts when a gate does not set one
	GateBackoff time.Duration
}

// Deps are the collaborators a controller drives
type Deps struct {
	Store        Store
	Environments Environments
	Locker       lock.Locker
	Policy       PolicyEvaluator
	Rollback     RollbackManager
	Approvals    Approvals
	Gates        *gates.Registry
	Notifier     Notifier
	Clock        clock.Clock
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Validator    *validator.Validate
}

// Controller executes deployment pipelines
type Controller struct {
	store     Store
	envs      Environments
	locker    lock.Locker
	policy    PolicyEvaluator
	rollback  RollbackManager
	approvals Approvals
	gates     *gates.Registry
	notifier  Notifier
	clock     clock.Clock
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	validate  *validator.Validate
	cfg       Config
	logger    zerolog.Logger
}

// NewController creates a pipeline controller
func NewController(d Deps, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.GateBackoff <= 0 {
		cfg.GateBackoff = defaultGateBackoff
	}
	if d.Clock == nil {
		d.Clock = clock.NewReal()
	}
	if d.Metrics == nil {
		d.Metrics = observability.DefaultMetrics
	}
	if d.Tracer == nil {
		d.Tracer = observability.GetGlobalTracer()
	}
	if d.Validator == nil {
		d.Validator = NewValidator()
	}
	if d.Gates == nil {
		d.Gates = gates.NewRegistry()
	}
	return &Controller{
		store:     d.Store,
		envs:      d.Environments,
		locker:    d.Locker,
		policy:    d.Policy,
		rollback:  d.Rollback,
		approvals: d.Approvals,
		gates:     d.Gates,
		notifier:  d.Notifier,
		clock:     d.Clock,
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		validate:  d.Validator,
		cfg:       cfg,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

type jobIDKey struct{}

// WithJobID tags audit entries written for runs started under ctx with a queue job ID
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

func jobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// RunPipeline executes a deployment request to a terminal status.
//
// Requests that are malformed or conflict with an active run are refused
// with a nil run and a models.ValidationError or models.ConflictError. Once a
// run is created it is always returned in a terminal state; the error then
// explains a non-success outcome (models.PolicyViolation, models.GateFailure,
// and models.RollbackFailure when the restore itself failed).
func (c *Controller) RunPipeline(ctx context.Context, req models.DeploymentRequest) (*models.DeploymentRun, error) {
	env, err := c.Validate(ctx, req)
	if err != nil {
		return nil, err
	}

	lease, err := c.locker.Acquire(ctx, lock.Key(env.Name, req.ServiceName))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			c.metrics.RecordConflict(env.Name)
			return nil, models.ConflictError{Environment: env.Name, ServiceName: req.ServiceName}
		}
		return nil, fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	defer c.release(ctx, lease)

	start := c.clock.Now()
	run := &models.DeploymentRun{
		DeploymentID:  req.DeploymentID,
		Environment:   env.Name,
		ServiceName:   req.ServiceName,
		Version:       req.VersionRef,
		Strategy:      req.Strategy,
		Phase:         models.PhaseAccepted,
		OverallStatus: models.RunStatusRunning,
		RequestedBy:   req.RequestedBy,
		CreatedAt:     start,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		var conflict models.ConflictError
		if errors.As(err, &conflict) {
			c.metrics.RecordConflict(env.Name)
		}
		return nil, err
	}

	ctx, span := c.tracer.StartRun(ctx, run)
	defer span.End()

	c.metrics.IncRunsActive()
	defer c.metrics.DecRunsActive()

	audit := NewDeploymentLogger(c.store, c.clock, run.DeploymentID, jobIDFrom(ctx), models.PhaseAccepted, c.logger)
	if run.Resumed {
		audit.Warn(ctx, "Run resumed after its previous executor stopped", Details("started_at", run.CreatedAt))
	}
	audit.Info(ctx, "Run accepted", Details(
		"environment", run.Environment,
		"service", run.ServiceName,
		"version", run.Version,
		"strategy", run.Strategy,
		"requested_by", run.RequestedBy,
	))

	status, cause := c.execute(ctx, req, env, run, audit)
	return c.finish(ctx, env, run, status, cause, start, audit)
}

// Validate checks a request and resolves its environment without side effects
func (c *Controller) Validate(ctx context.Context, req models.DeploymentRequest) (models.Environment, error) {
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return models.Environment{}, validationError(err)
	}
	if !req.Strategy.Valid() {
		return models.Environment{}, models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", req.Strategy)}
	}

	env, err := c.envs.Environment(ctx, req.Environment)
	if err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			return models.Environment{}, verr
		}
		return models.Environment{}, fmt.Errorf("failed to load environment %s: %w", req.Environment, err)
	}
	if err := c.gates.Validate(env); err != nil {
		return models.Environment{}, err
	}
	return env, nil
}

func (c *Controller) execute(ctx context.Context, req models.DeploymentRequest, env models.Environment, run *models.DeploymentRun, audit *DeploymentLogger) (models.RunStatus, error) {
	c.setPhase(ctx, run, audit, models.PhaseSnapshot)
	if run.Resumed {
		// live state may already be partly rolled out; restore uses the
		// snapshot from the first start, or the newest one before it
		audit.Info(ctx, "Keeping the pre-deployment snapshot of the first start", nil)
	} else {
		snap, err := c.rollback.Snapshot(ctx, run)
		if err != nil {
			audit.Error(ctx, "Snapshot failed", err, nil)
			return models.RunStatusFailed, fmt.Errorf("snapshot: %w", err)
		}
		audit.Info(ctx, "Snapshot captured", Details("snapshot_id", snap.ID, "version", snap.Version))
	}

	c.setPhase(ctx, run, audit, models.PhasePolicy)
	verdict, err := c.policy.Evaluate(ctx, req, env)
	if err != nil {
		audit.Error(ctx, "Policy evaluation failed", err, nil)
		return models.RunStatusFailed, fmt.Errorf("policy evaluation: %w", err)
	}
	if v := verdict.Violation; v != nil {
		c.metrics.RecordPolicyViolation(env.Name, string(v.Rule))
		audit.Warn(ctx, "Policy violation", Details("rule", v.Rule, "reason", v.Reason))
		return models.RunStatusFailed, *v
	}
	audit.Info(ctx, "Policy passed", Details("checked", verdict.Checked, "approval_deferred", verdict.ApprovalDeferred))

	c.setPhase(ctx, run, audit, models.PhaseGates)
	committed := false
	for seq, gate := range env.Gates {
		gr := c.runGate(ctx, env, run, seq, gate, audit)
		committed = committed || gr.committed
		if gr.result.Status == models.GateStatusPassed {
			continue
		}

		failure := models.GateFailure{Gate: gate.Name, Status: gr.result.Status, Attempts: gr.result.Attempt, Err: gr.err}
		return c.recover(ctx, env, run, failure, committed, audit)
	}

	return models.RunStatusSuccess, nil
}

// recover decides whether a failed run needs its snapshot restored
func (c *Controller) recover(ctx context.Context, env models.Environment, run *models.DeploymentRun, failure models.GateFailure, committed bool, audit *DeploymentLogger) (models.RunStatus, error) {
	if !env.RollbackEnabled {
		audit.Warn(ctx, "Rollback disabled for environment", Details("gate", failure.Gate))
		return models.RunStatusFailed, failure
	}
	if !committed {
		audit.Info(ctx, "No traffic-affecting change was committed, nothing to roll back", Details("gate", failure.Gate))
		return models.RunStatusFailed, failure
	}

	c.setPhase(ctx, run, audit, models.PhaseRollingBack)
	ctx, span := c.tracer.StartSpan(ctx, "pipeline.rollback")
	defer span.End()

	// A cancelled run still has to put the previous version back
	rctx := context.WithoutCancel(ctx)
	start := c.clock.Now()
	res, err := c.rollback.Restore(rctx, rollback.RestoreRequest{
		Environment: env,
		ServiceName: run.ServiceName,
		FailedRun:   run,
	})
	elapsed := c.clock.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordRollback(env.Name, "failed", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		audit.Error(ctx, "Rollback failed, manual intervention required", err, nil)
		return models.RunStatusFailed, fmt.Errorf("%w; %w", failure, err)
	}

	c.metrics.RecordRollback(env.Name, "restored", elapsed)
	audit.Warn(ctx, "Rolled back to snapshot", Details(
		"snapshot_id", res.SnapshotID,
		"version", res.Version,
		"workload", res.Workload,
		"strategy", res.Strategy,
	))
	return models.RunStatusRolledBack, failure
}

func (c *Controller) finish(ctx context.Context, env models.Environment, run *models.DeploymentRun, status models.RunStatus, cause error, start time.Time, audit *DeploymentLogger) (*models.DeploymentRun, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()

	now := c.clock.Now()
	if err := c.store.FinishRun(pctx, run.DeploymentID, status, msg, now); err != nil {
		audit.Error(ctx, "Failed to record final status", err, Details("status", status))
		return run, fmt.Errorf("failed to finish run %s: %w", run.DeploymentID, err)
	}
	run.OverallStatus = status
	run.Phase = models.PhaseFinished
	run.Error = msg
	run.FinishedAt = &now

	audit.SetPhase(models.PhaseFinished)
	audit.Info(ctx, "Run finished", Details("status", status, "duration_seconds", now.Sub(start).Seconds()))
	c.metrics.RecordRun(env.Name, string(run.Strategy), string(status), now.Sub(start).Seconds())

	observability.FinishRun(ctx, status, msg)

	evt := notify.Event{
		Kind:    notify.EventRunFinished,
		Run:     snapshotOf(run),
		Message: fmt.Sprintf("%s %s to %s: %s", run.ServiceName, run.Version, run.Environment, status),
		At:      now,
	}
	var rbFail models.RollbackFailure
	if errors.As(cause, &rbFail) {
		evt.Kind = notify.EventRollbackFailed
		evt.Page = true
		evt.Message = rbFail.Error()
	}
	c.notifier.Dispatch(ctx, evt)

	return run, cause
}

func (c *Controller) setPhase(ctx context.Context, run *models.DeploymentRun, audit *DeploymentLogger, phase string) {
	run.Phase = phase
	audit.SetPhase(phase)

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := c.store.UpdatePhase(pctx, run.DeploymentID, phase); err != nil {
		c.logger.Warn().Err(err).Str("deploymentId", run.DeploymentID).Str("phase", phase).Msg("Failed to persist phase")
	}
}

func (c *Controller) release(ctx context.Context, lease lock.Lease) {
	rctx, cancel := persistContext(ctx)
	defer cancel()
	if err := lease.Release(rctx); err != nil {
		c.logger.Error().Err(err).Str("key", lease.Key()).Msg("Failed to release deployment lock")
	}
}

// persistContext outlives cancellation of the run so final writes still land
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// snapshotOf copies a run for asynchronous consumers
func snapshotOf(run *models.DeploymentRun) *models.DeploymentRun {
	cp := *run
	cp.Results = append([]models.GateExecutionResult(nil), run.Results...)
	return &cp
}
