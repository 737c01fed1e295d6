package strategy

import (
	"context"
	"fmt"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

// BlueGreen brings up a full copy of the new version in the idle slot and
// switches the selector only after it is healthy. An unhealthy copy is
// deleted and the current slot keeps serving.
type BlueGreen struct {
	deps
}

func (s *BlueGreen) Name() models.Strategy { return models.StrategyBlueGreen }

func (s *BlueGreen) Validate(plan models.StrategyPlan) error {
	return validateCommon(plan)
}

func (s *BlueGreen) Execute(ctx context.Context, plan models.StrategyPlan, t Target) Result {
	live, liveStatus, err := s.current(ctx, t)
	if err != nil {
		return failed(Result{}, err)
	}

	res := Result{LastGoodState: State{Workload: live, Version: liveStatus.Version, TrafficPercent: 0}}
	if live != "" {
		res.LastGoodState.TrafficPercent = 100
	}

	standby := idleSlot(t, live)
	if plan.Color != "" {
		standby = t.Service + "-" + plan.Color
		if standby == live {
			return failed(res, models.ValidationError{Field: "color", Reason: fmt.Sprintf("slot %s is already serving traffic", standby)})
		}
	}

	if err := s.orch.Apply(ctx, t.Environment, s.spec(plan, t, standby, plan.Replicas)); err != nil {
		return failed(res, fmt.Errorf("failed to provision %s: %w", standby, err))
	}

	if err := s.checkHealth(ctx, plan, t, standby, plan.Replicas); err != nil {
		s.logger.Warn().Str("workload", standby).Err(err).Msg("Standby slot unhealthy, discarding")
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if derr := s.orch.Delete(cctx, t.Environment, standby); derr != nil {
			s.logger.Error().Str("workload", standby).Err(derr).Msg("Failed to delete unhealthy standby slot")
		}
		return failed(res, err)
	}

	if err := s.orch.SwitchTraffic(ctx, t.Environment, t.Service, standby); err != nil {
		return failed(res, fmt.Errorf("failed to switch traffic to %s: %w", standby, err))
	}
	res.TrafficCommitted = true
	res.TrafficHistory = append(res.TrafficHistory, 100)
	res.LastGoodState = State{Workload: standby, Version: plan.Version, TrafficPercent: 100}

	if live != "" {
		if err := s.orch.Delete(ctx, t.Environment, live); err != nil {
			s.logger.Warn().Str("workload", live).Err(err).Msg("Failed to decommission previous slot")
		}
	}

	res.Succeeded = true
	return res
}
