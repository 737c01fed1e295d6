package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

// Canary moves traffic to the new version through strictly increasing
// stages, holding each one while sampling the error rate. A sample above the
// threshold reverts traffic to the last stage that held cleanly.
type Canary struct {
	deps
}

func (s *Canary) Name() models.Strategy { return models.StrategyCanary }

func (s *Canary) Validate(plan models.StrategyPlan) error {
	if err := validateCommon(plan); err != nil {
		return err
	}
	if err := ValidateStages(plan.Stages); err != nil {
		return err
	}
	if plan.ErrorRateThreshold < 0 || plan.ErrorRateThreshold > 1 {
		return models.ValidationError{Field: "error_rate_threshold", Reason: "threshold must be a fraction between 0 and 1"}
	}
	if plan.SampleInterval <= 0 {
		return models.ValidationError{Field: "sample_interval", Reason: "sample interval must be positive"}
	}
	return nil
}

// ErrErrorRateExceeded is wrapped when a sampled error rate breaches the threshold
type ErrErrorRateExceeded struct {
	Percent   int
	Rate      float64
	Threshold float64
}

func (e ErrErrorRateExceeded) Error() string {
	return fmt.Sprintf("error rate %.4f exceeded threshold %.4f at %d%% traffic", e.Rate, e.Threshold, e.Percent)
}

func (s *Canary) Execute(ctx context.Context, plan models.StrategyPlan, t Target) Result {
	baseline, baseStatus, err := s.current(ctx, t)
	if err != nil {
		return failed(Result{}, err)
	}
	if baseline == "" {
		// nothing to compare against: promote like blue-green
		s.logger.Info().Str("target", t.String()).Msg("No baseline workload, promoting canary directly")
		bg := &BlueGreen{s.deps}
		return bg.Execute(ctx, plan, t)
	}

	res := Result{LastGoodState: State{Workload: baseline, Version: baseStatus.Version, TrafficPercent: 0}}
	canary := idleSlot(t, baseline)
	lastGood := 0
	promoted := false

	abort := func(err error) Result {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()

		if promoted {
			if rerr := s.orch.SwitchTraffic(cctx, t.Environment, t.Service, baseline); rerr != nil {
				s.logger.Error().Err(rerr).Msg("Failed to restore baseline selector")
				return failed(res, fmt.Errorf("%w; revert failed: %v", err, rerr))
			}
		}
		if res.TrafficCommitted {
			if rerr := s.orch.SetTrafficSplit(cctx, t.Environment, t.Service, canary, lastGood); rerr != nil {
				s.logger.Error().Err(rerr).Int("percent", lastGood).Msg("Failed to revert canary traffic")
				return failed(res, fmt.Errorf("%w; revert failed: %v", err, rerr))
			}
			res.TrafficHistory = append(res.TrafficHistory, lastGood)
		}
		if lastGood == 0 {
			if derr := s.orch.Delete(cctx, t.Environment, canary); derr != nil {
				s.logger.Warn().Str("workload", canary).Err(derr).Msg("Failed to delete canary")
			}
		}
		res.LastGoodState = State{Workload: baseline, Version: baseStatus.Version, TrafficPercent: lastGood}

		s.logger.Warn().Str("target", t.String()).Int("revertedTo", lastGood).Err(err).Msg("Canary aborted")
		return failed(res, err)
	}

	if err := s.orch.Apply(ctx, t.Environment, s.spec(plan, t, canary, 0)); err != nil {
		return failed(res, fmt.Errorf("failed to create canary %s: %w", canary, err))
	}

	for _, stage := range plan.Stages {
		replicas := canaryReplicas(plan.Replicas, stage.Percent)
		if err := s.orch.Scale(ctx, t.Environment, canary, replicas); err != nil {
			return abort(fmt.Errorf("failed to scale canary to %d: %w", replicas, err))
		}
		if err := s.checkHealth(ctx, plan, t, canary, replicas); err != nil {
			return abort(err)
		}

		if stage.Percent == 100 {
			if err := s.orch.SwitchTraffic(ctx, t.Environment, t.Service, canary); err != nil {
				return abort(fmt.Errorf("failed to promote canary: %w", err))
			}
			promoted = true
		} else if err := s.orch.SetTrafficSplit(ctx, t.Environment, t.Service, canary, stage.Percent); err != nil {
			return abort(fmt.Errorf("failed to shift %d%% traffic: %w", stage.Percent, err))
		}
		res.TrafficCommitted = true
		res.TrafficHistory = append(res.TrafficHistory, stage.Percent)

		s.logger.Info().Str("target", t.String()).Int("percent", stage.Percent).Dur("hold", stage.Duration).Msg("Canary stage started")

		if err := s.hold(ctx, plan, t, canary, stage); err != nil {
			return abort(err)
		}
		lastGood = stage.Percent
		res.LastGoodState = State{Workload: baseline, Version: baseStatus.Version, TrafficPercent: lastGood}
	}

	if err := s.orch.Delete(ctx, t.Environment, baseline); err != nil {
		s.logger.Warn().Str("workload", baseline).Err(err).Msg("Failed to remove baseline workload")
	}

	res.Succeeded = true
	res.LastGoodState = State{Workload: canary, Version: plan.Version, TrafficPercent: 100}
	return res
}

// hold samples the error rate at least once and then every SampleInterval until the stage duration has elapsed
func (s *Canary) hold(ctx context.Context, plan models.StrategyPlan, t Target, canary string, stage models.CanaryStage) error {
	start := s.clock.Now()
	for {
		rate, err := s.signal.ErrorRate(ctx, t.Environment, t.Service, canary)
		if err != nil {
			return fmt.Errorf("failed to sample error rate at %d%%: %w", stage.Percent, err)
		}
		if rate > plan.ErrorRateThreshold {
			return ErrErrorRateExceeded{Percent: stage.Percent, Rate: rate, Threshold: plan.ErrorRateThreshold}
		}

		remaining := stage.Duration - s.clock.Since(start)
		if remaining <= 0 {
			return nil
		}
		wait := plan.SampleInterval
		if remaining < wait {
			wait = remaining
		}
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// canaryReplicas sizes the canary in proportion to its traffic share
func canaryReplicas(desired int32, percent int) int32 {
	n := int32(math.Ceil(float64(desired) * float64(percent) / 100))
	if n < 1 {
		n = 1
	}
	if n > desired {
		n = desired
	}
	return n
}
