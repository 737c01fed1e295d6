package strategy

import (
	"context"
	"fmt"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

// Rolling grows the new version one increment at a time in the idle slot,
// checking health after each step and draining the old version as the new
// one proves itself. A failing increment stops the rollout where it is.
type Rolling struct {
	deps
}

func (s *Rolling) Name() models.Strategy { return models.StrategyRolling }

func (s *Rolling) Validate(plan models.StrategyPlan) error {
	if err := validateCommon(plan); err != nil {
		return err
	}
	if plan.Increment < 1 {
		return models.ValidationError{Field: "replica_increment", Reason: "increment must be at least 1"}
	}
	return nil
}

func (s *Rolling) Execute(ctx context.Context, plan models.StrategyPlan, t Target) Result {
	old, oldStatus, err := s.current(ctx, t)
	if err != nil {
		return failed(Result{}, err)
	}

	res := Result{LastGoodState: State{Workload: old, Version: oldStatus.Version, TrafficPercent: 0}}
	next := idleSlot(t, old)

	if err := s.orch.Apply(ctx, t.Environment, s.spec(plan, t, next, 0)); err != nil {
		return failed(res, fmt.Errorf("failed to create workload %s: %w", next, err))
	}

	var ready int32
	for ready < plan.Replicas {
		step := ready + plan.Increment
		if step > plan.Replicas {
			step = plan.Replicas
		}

		if err := s.orch.Scale(ctx, t.Environment, next, step); err != nil {
			return failed(res, fmt.Errorf("failed to scale %s to %d: %w", next, step, err))
		}
		if err := s.checkHealth(ctx, plan, t, next, step); err != nil {
			s.logger.Warn().Str("workload", next).Int32("replicas", step).Err(err).Msg("Rolling increment unhealthy, aborting")
			return failed(res, err)
		}
		ready = step

		if old == "" {
			// first deployment: nothing to share traffic with
			if !res.TrafficCommitted {
				if err := s.orch.SwitchTraffic(ctx, t.Environment, t.Service, next); err != nil {
					return failed(res, fmt.Errorf("failed to route traffic to %s: %w", next, err))
				}
				res.TrafficCommitted = true
				res.TrafficHistory = append(res.TrafficHistory, 100)
			}
			res.LastGoodState = State{Workload: next, Version: plan.Version, TrafficPercent: 100}
			continue
		}

		share := int(ready * 100 / plan.Replicas)
		if share < 100 {
			if err := s.orch.SetTrafficSplit(ctx, t.Environment, t.Service, next, share); err != nil {
				return failed(res, fmt.Errorf("failed to shift traffic to %s: %w", next, err))
			}
			res.TrafficCommitted = true
			res.TrafficHistory = append(res.TrafficHistory, share)
			res.LastGoodState = State{Workload: old, Version: oldStatus.Version, TrafficPercent: share}
		}

		remaining := oldStatus.Desired - ready
		if remaining < 0 {
			remaining = 0
		}
		if err := s.orch.Scale(ctx, t.Environment, old, remaining); err != nil {
			return failed(res, fmt.Errorf("failed to drain %s: %w", old, err))
		}
	}

	if old != "" {
		if err := s.orch.SwitchTraffic(ctx, t.Environment, t.Service, next); err != nil {
			return failed(res, fmt.Errorf("failed to route traffic to %s: %w", next, err))
		}
		res.TrafficCommitted = true
		res.TrafficHistory = append(res.TrafficHistory, 100)

		if err := s.orch.Delete(ctx, t.Environment, old); err != nil {
			s.logger.Warn().Str("workload", old).Err(err).Msg("Failed to remove drained workload")
		}
	}

	res.Succeeded = true
	res.LastGoodState = State{Workload: next, Version: plan.Version, TrafficPercent: 100}
	return res
}
