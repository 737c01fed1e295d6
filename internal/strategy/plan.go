package strategy

import (
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

// DefaultCanaryStages is used when an environment does not configure its own
var DefaultCanaryStages = []models.CanaryStage{
	{Percent: 10, Duration: 5 * time.Minute},
	{Percent: 25, Duration: 10 * time.Minute},
	{Percent: 50, Duration: 15 * time.Minute},
	{Percent: 100, Duration: 0},
}

const (
	defaultSampleInterval     = 30 * time.Second
	defaultErrorRateThreshold = 0.05
)

// BuildPlan derives a plan for version from the strategy and the environment's resource profile
func BuildPlan(s models.Strategy, env models.Environment, version string) (models.StrategyPlan, error) {
	rp := env.ResourceProfile

	plan := models.StrategyPlan{
		Type:        s,
		Image:       rp.ImageRef(version),
		Version:     version,
		Replicas:    rp.Replicas,
		HealthCheck: rp.HealthCheck,
	}
	if plan.Replicas < 1 {
		plan.Replicas = 1
	}

	switch s {
	case models.StrategyRolling:
		plan.Increment = rp.ReplicaIncrement
		if plan.Increment < 1 {
			plan.Increment = 1
		}
	case models.StrategyCanary:
		plan.Stages = rp.CanaryStages
		if len(plan.Stages) == 0 {
			plan.Stages = DefaultCanaryStages
		}
		plan.ErrorRateThreshold = rp.ErrorRateThreshold
		if plan.ErrorRateThreshold == 0 {
			plan.ErrorRateThreshold = defaultErrorRateThreshold
		}
		plan.SampleInterval = rp.SampleInterval
		if plan.SampleInterval <= 0 {
			plan.SampleInterval = defaultSampleInterval
		}
	case models.StrategyBlueGreen, models.StrategyRecreate:
	default:
		return models.StrategyPlan{}, models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", s)}
	}

	return plan, validateCommon(plan)
}

func validateCommon(plan models.StrategyPlan) error {
	if plan.Version == "" {
		return models.ValidationError{Field: "version", Reason: "version is required"}
	}
	if plan.Replicas < 1 {
		return models.ValidationError{Field: "replicas", Reason: "at least one replica is required"}
	}
	return nil
}

// ValidateStages checks that canary stages strictly increase and end at 100
func ValidateStages(stages []models.CanaryStage) error {
	if len(stages) == 0 {
		return models.ValidationError{Field: "canary_stages", Reason: "at least one stage is required"}
	}
	prev := 0
	for i, st := range stages {
		if st.Percent <= prev || st.Percent > 100 {
			return models.ValidationError{
				Field:  "canary_stages",
				Reason: fmt.Sprintf("stage %d: percentage %d must be greater than %d and at most 100", i, st.Percent, prev),
			}
		}
		if st.Duration < 0 {
			return models.ValidationError{Field: "canary_stages", Reason: fmt.Sprintf("stage %d: negative duration", i)}
		}
		prev = st.Percent
	}
	if prev != 100 {
		return models.ValidationError{Field: "canary_stages", Reason: "final stage must reach 100%"}
	}
	return nil
}
