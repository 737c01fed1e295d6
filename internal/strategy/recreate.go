package strategy

import (
	"context"
	"fmt"

	"github.com/alvesdmateus/release-gate/internal/health"
	"github.com/alvesdmateus/release-gate/internal/workload"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

// Recreate stops the running version entirely, waits for every replica to
// terminate, then starts the new version in the same slot. The service is
// unavailable in between.
type Recreate struct {
	deps
}

func (s *Recreate) Name() models.Strategy { return models.StrategyRecreate }

func (s *Recreate) Validate(plan models.StrategyPlan) error {
	return validateCommon(plan)
}

func (s *Recreate) Execute(ctx context.Context, plan models.StrategyPlan, t Target) Result {
	live, liveStatus, err := s.current(ctx, t)
	if err != nil {
		return failed(Result{}, err)
	}

	res := Result{LastGoodState: State{Workload: live, Version: liveStatus.Version}}
	if live != "" {
		res.LastGoodState.TrafficPercent = 100
	}

	slot := live
	if slot == "" {
		slot = workload.SlotName(t.Service, workload.ColorBlue)
	}

	if live != "" {
		if err := s.orch.Scale(ctx, t.Environment, live, 0); err != nil {
			return failed(res, fmt.Errorf("failed to scale %s to zero: %w", live, err))
		}
		// capacity is gone from here on
		res.TrafficCommitted = true
		res.LastGoodState = State{}

		if err := s.waitTerminated(ctx, plan, t, live); err != nil {
			return failed(res, err)
		}
	}

	if err := s.orch.Apply(ctx, t.Environment, s.spec(plan, t, slot, plan.Replicas)); err != nil {
		return failed(res, fmt.Errorf("failed to deploy %s: %w", slot, err))
	}
	res.TrafficCommitted = true

	// also clears any traffic split left behind by an earlier rollout
	if err := s.orch.SwitchTraffic(ctx, t.Environment, t.Service, slot); err != nil {
		return failed(res, fmt.Errorf("failed to route traffic to %s: %w", slot, err))
	}
	res.TrafficHistory = append(res.TrafficHistory, 100)

	if err := s.checkHealth(ctx, plan, t, slot, plan.Replicas); err != nil {
		return failed(res, err)
	}

	res.Succeeded = true
	res.LastGoodState = State{Workload: slot, Version: plan.Version, TrafficPercent: 100}
	return res
}

// waitTerminated polls until no replica of name remains
func (s *Recreate) waitTerminated(ctx context.Context, plan models.StrategyPlan, t Target, name string) error {
	target := t.Environment + "/" + name
	probe := health.ProbeFunc(func(ctx context.Context) (bool, error) {
		st, err := s.orch.Status(ctx, t.Environment, name)
		if err != nil {
			return false, err
		}
		if st.Total == 0 {
			return true, nil
		}
		return false, fmt.Errorf("%d replica(s) still terminating", st.Total)
	})

	opts := health.OptionsFrom(plan.HealthCheck)
	// termination is bounded by time only
	opts.Retries = 0
	if opts.Timeout <= 0 {
		opts.Retries = 1
	}

	res := s.checker.Poll(ctx, target, probe, opts)
	if err := res.Failure(target); err != nil {
		return fmt.Errorf("old version did not terminate: %w", err)
	}
	return nil
}
