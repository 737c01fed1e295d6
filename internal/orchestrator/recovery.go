package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/internal/lock"
	"github.com/alvesdmateus/release-gate/internal/notify"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

const (
	defaultOrphanAfter = 2 * time.Minute
	defaultOperator    = "operator"
)

// Abort fails a running run that no process is executing any more. A run
// whose lease is still held is refused with models.ConflictError.
func (c *Controller) Abort(ctx context.Context, deploymentID, by, reason string) (*models.DeploymentRun, error) {
	run, err := c.store.GetRun(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if run.OverallStatus.Terminal() {
		return nil, fmt.Errorf("run %s already finished as %s: %w", run.DeploymentID, run.OverallStatus, state.ErrStaleState)
	}
	if by == "" {
		by = defaultOperator
	}
	msg := "aborted by " + by
	if reason != "" {
		msg += ": " + reason
	}
	return c.abandon(ctx, run, by, msg)
}

// Reconcile fails every running run whose lease is free, except those in
// skip, which are about to be resumed. It returns how many runs it failed.
func (c *Controller) Reconcile(ctx context.Context, skip map[string]bool) (int, error) {
	runs, err := c.store.ListRuns(ctx, state.RunFilter{Status: models.RunStatusRunning})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, run := range runs {
		if skip[run.DeploymentID] {
			continue
		}
		_, err := c.abandon(ctx, run, "reconciler", "abandoned: no process was executing the run")
		var conflict models.ConflictError
		switch {
		case errors.As(err, &conflict), errors.Is(err, state.ErrStaleState):
			continue
		case err != nil:
			return n, err
		}
		n++
	}
	return n, nil
}

// abandon finalizes run as failed under its lease
func (c *Controller) abandon(ctx context.Context, run *models.DeploymentRun, by, msg string) (*models.DeploymentRun, error) {
	lease, err := c.locker.Acquire(ctx, lock.Key(run.Environment, run.ServiceName))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, models.ConflictError{Environment: run.Environment, ServiceName: run.ServiceName, ActiveRunID: run.DeploymentID}
		}
		return nil, fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	defer c.release(ctx, lease)

	now := c.clock.Now()
	if err := c.store.FinishRun(ctx, run.DeploymentID, models.RunStatusFailed, msg, now); err != nil {
		return nil, err
	}

	audit := NewDeploymentLogger(c.store, c.clock, run.DeploymentID, "", models.PhaseFinished, c.logger)
	audit.Warn(ctx, "Run abandoned", Details("by", by, "reason", msg, "last_phase", run.Phase))
	c.metrics.RecordRun(run.Environment, string(run.Strategy), string(models.RunStatusFailed), now.Sub(run.CreatedAt).Seconds())

	run.OverallStatus = models.RunStatusFailed
	run.Phase = models.PhaseFinished
	run.Error = msg
	run.FinishedAt = &now

	// the service may be left half rolled out
	c.notifier.Dispatch(ctx, notify.Event{
		Kind:    notify.EventRunAbandoned,
		Run:     snapshotOf(run),
		Message: fmt.Sprintf("%s %s to %s %s", run.ServiceName, run.Version, run.Environment, msg),
		Page:    true,
		At:      now,
	})
	return run, nil
}

// ClaimQueue exposes the claims a crashed worker leaves behind
type ClaimQueue interface {
	GetClaims(ctx context.Context) ([]queue.Claim, error)
	Requeue(ctx context.Context, job *queue.Job) (bool, error)
}

// RecoveryReport summarizes one recovery pass
type RecoveryReport struct {
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
}

// Recovery puts back the work a stopped process left behind. Claimed jobs
// whose lease is free are requeued so their runs resume, and running runs
// nobody will resume are failed.
type Recovery struct {
	queue       ClaimQueue
	locker      lock.Locker
	ctrl        *Controller
	orphanAfter time.Duration
	logger      zerolog.Logger
}

// NewRecovery creates a recovery pass. q may be nil when runs are executed
// inline by the API. Claims younger than orphanAfter are left alone.
func NewRecovery(q ClaimQueue, locker lock.Locker, ctrl *Controller, orphanAfter time.Duration, logger zerolog.Logger) *Recovery {
	if orphanAfter <= 0 {
		orphanAfter = defaultOrphanAfter
	}
	return &Recovery{
		queue:       q,
		locker:      locker,
		ctrl:        ctrl,
		orphanAfter: orphanAfter,
		logger:      logger.With().Str("component", "recovery").Logger(),
	}
}

// Run performs one recovery pass
func (r *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	resuming := make(map[string]bool)
	if r.queue != nil {
		n, err := r.requeueOrphans(ctx, resuming)
		report.Requeued = n
		if err != nil {
			return report, err
		}
	}

	n, err := r.ctrl.Reconcile(ctx, resuming)
	report.Abandoned = n
	if err != nil {
		return report, fmt.Errorf("failed to reconcile runs: %w", err)
	}

	if report.Requeued > 0 || report.Abandoned > 0 {
		r.logger.Warn().
			Int("requeued", report.Requeued).
			Int("abandoned", report.Abandoned).
			Msg("Recovered work from a stopped process")
	}
	return report, nil
}

func (r *Recovery) requeueOrphans(ctx context.Context, resuming map[string]bool) (int, error) {
	claims, err := r.queue.GetClaims(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range claims {
		job := c.Job
		if job.Type == queue.JobTypeRun {
			resuming[job.DeploymentID] = true
		}
		// a young claim's worker may not have taken its lease yet
		if time.Since(c.ClaimedAt) < r.orphanAfter {
			continue
		}
		free, err := r.leaseFree(ctx, job)
		if err != nil {
			return n, err
		}
		if !free {
			continue
		}

		moved, err := r.queue.Requeue(ctx, job)
		if err != nil {
			return n, err
		}
		if moved {
			n++
			r.logger.Info().
				Str("job_id", job.ID).
				Str("deployment_id", job.DeploymentID).
				Time("claimed_at", c.ClaimedAt).
				Msg("Requeued orphaned job")
		}
	}
	return n, nil
}

// leaseFree reports whether nobody holds the lease the job needs
func (r *Recovery) leaseFree(ctx context.Context, job *queue.Job) (bool, error) {
	env, service, ok := job.LeaseKey()
	if !ok {
		return true, nil
	}
	lease, err := r.locker.Acquire(ctx, lock.Key(env, service))
	if errors.Is(err, lock.ErrHeld) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lease for job %s: %w", job.ID, err)
	}
	if err := lease.Release(ctx); err != nil {
		return false, fmt.Errorf("failed to release lease for job %s: %w", job.ID, err)
	}
	return true, nil
}
