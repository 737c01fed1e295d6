package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/alvesdmateus/release-gate/internal/lock"
	"github.com/alvesdmateus/release-gate/internal/notify"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

// ManualRollback is an operator request to restore a snapshot outside a run
type ManualRollback struct {
	Environment string
	ServiceName string
	// SnapshotID is optional; the newest restorable snapshot is used when empty
	SnapshotID  string
	RequestedBy string
}

// Rollback restores a snapshot under the service lease, so it never overlaps a run
func (c *Controller) Rollback(ctx context.Context, req ManualRollback) (*rollback.RestoreResult, error) {
	if req.Environment == "" || req.ServiceName == "" {
		return nil, models.ValidationError{Field: "service_name", Reason: "environment and service are required"}
	}
	env, err := c.envs.Environment(ctx, req.Environment)
	if err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, fmt.Errorf("failed to load environment %s: %w", req.Environment, err)
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

	logger := c.logger.With().
		Str("environment", env.Name).
		Str("service", req.ServiceName).
		Str("requestedBy", req.RequestedBy).
		Logger()
	logger.Warn().Str("snapshotId", req.SnapshotID).Msg("Manual rollback requested")

	ctx, span := c.tracer.StartSpan(ctx, "pipeline.manual_rollback")
	defer span.End()

	start := c.clock.Now()
	res, err := c.rollback.Restore(ctx, rollback.RestoreRequest{
		Environment: env,
		ServiceName: req.ServiceName,
		SnapshotID:  req.SnapshotID,
	})
	elapsed := c.clock.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordRollback(env.Name, "failed", elapsed)
		span.RecordError(err)
		c.notifier.Dispatch(ctx, notify.Event{
			Kind:    notify.EventRollbackFailed,
			Message: fmt.Sprintf("manual rollback requested by %s failed: %v", req.RequestedBy, err),
			Page:    true,
			At:      c.clock.Now(),
		})
		return nil, err
	}

	c.metrics.RecordRollback(env.Name, "restored", elapsed)
	logger.Info().Str("snapshotId", res.SnapshotID).Str("version", res.Version).Msg("Manual rollback verified")
	return res, nil
}
