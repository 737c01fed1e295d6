package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

// handleJob routes a job to the appropriate handler based on job type
func (w *Worker) handleJob(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeRun:
		return w.handleRunJob(ctx, job)
	case queue.JobTypeRollback:
		return w.handleRollbackJob(ctx, job)
	default:
		return permanentError{fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleRunJob executes a queued deployment request. Once a run exists its
// outcome is final, so only failures before the run was created are retried.
func (w *Worker) handleRunJob(ctx context.Context, job *queue.Job) error {
	if job.Run == nil {
		return permanentError{errors.New("run job has no payload")}
	}
	req := job.Run.Request
	if req.DeploymentID == "" {
		req.DeploymentID = job.DeploymentID
	}

	run, err := w.pipeline.RunPipeline(WithJobID(ctx, job.ID), req)
	if run != nil {
		w.logger.Info().
			Str("job_id", job.ID).
			Str("deployment_id", run.DeploymentID).
			Str("status", string(run.OverallStatus)).
			Err(err).
			Msg("Run finished")
		return nil
	}
	if err == nil {
		return nil
	}

	var conflict models.ConflictError
	var invalid models.ValidationError
	if errors.As(err, &conflict) || errors.As(err, &invalid) || errors.Is(err, state.ErrStaleState) {
		return permanentError{err}
	}
	return fmt.Errorf("run %s: %w", req.DeploymentID, err)
}

// handleRollbackJob restores a snapshot on operator request. A failed restore needs a human, not a retry.
func (w *Worker) handleRollbackJob(ctx context.Context, job *queue.Job) error {
	if job.Rollback == nil {
		return permanentError{errors.New("rollback job has no payload")}
	}
	p := job.Rollback

	res, err := w.pipeline.Rollback(ctx, ManualRollback{
		Environment: p.Environment,
		ServiceName: p.ServiceName,
		SnapshotID:  p.SnapshotID,
		RequestedBy: p.RequestedBy,
	})
	if err != nil {
		return permanentError{err}
	}

	w.logger.Info().
		Str("job_id", job.ID).
		Str("environment", p.Environment).
		Str("service", p.ServiceName).
		Str("version", res.Version).
		Msg("Rollback job restored snapshot")
	return nil
}
