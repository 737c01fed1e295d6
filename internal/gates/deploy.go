package gates

import (
	"context"

	"github.com/alvesdmateus/release-gate/internal/strategy"
)

// Deploy runs the requested strategy. Its outcome carries the strategy result
// so the pipeline knows whether traffic was committed.
type Deploy struct {
	Engine *strategy.Engine
}

func (d *Deploy) Check(ctx context.Context, in Input) (Outcome, error) {
	plan, err := strategy.BuildPlan(in.Run.Strategy, in.Environment, in.Run.Version)
	if err != nil {
		return Outcome{}, err
	}

	res := d.Engine.Execute(ctx, plan, strategy.Target{Environment: in.Run.Environment, Service: in.Run.ServiceName})
	out := Outcome{Passed: res.Succeeded, Strategy: &res}
	if res.Succeeded {
		out.Message = string(plan.Type) + " rollout of " + plan.Version + " completed"
	} else if res.Err != nil {
		out.Message = res.Err.Error()
	}
	return out, nil
}
