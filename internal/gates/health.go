package gates

import (
	"context"
	"net/http"

	"github.com/alvesdmateus/release-gate/internal/health"
	"github.com/alvesdmateus/release-gate/internal/strategy"
	"github.com/alvesdmateus/release-gate/internal/workload"
)

// Health verifies the deployed version after rollout. With a target URL it
// probes over HTTP; otherwise it waits for the live workload's replicas.
type Health struct {
	Orchestrator workload.Orchestrator
	Checker      *health.Checker
	Client       *http.Client
}

func (h *Health) Check(ctx context.Context, in Input) (Outcome, error) {
	env := in.Run.Environment
	active, err := h.Orchestrator.ActiveWorkload(ctx, env, in.Run.ServiceName)
	if err != nil {
		return Outcome{}, err
	}
	if active == "" {
		return failed("no workload receives traffic for %s", in.Run.ServiceName), nil
	}
	st, err := h.Orchestrator.Status(ctx, env, active)
	if err != nil {
		return Outcome{}, err
	}
	if st.Version != in.Run.Version {
		return failed("%s serves %s, expected %s", active, st.Version, in.Run.Version), nil
	}

	target := env + "/" + active
	probe := strategy.ReadyProbe(h.Orchestrator, env, active, st.Desired)
	if url := in.Expand(in.Gate.Criteria.TargetURL); url != "" {
		target = url
		probe = health.HTTPProbe(h.Client, url)
	}

	res := h.Checker.Poll(ctx, target, probe, health.OptionsFrom(in.Environment.ResourceProfile.HealthCheck))
	if err := res.Failure(target); err != nil {
		return failed("%v", err), nil
	}
	return passed("%s healthy after %d attempt(s)", target, res.Attempts), nil
}
