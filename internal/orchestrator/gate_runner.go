package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alvesdmateus/release-gate/internal/approval"
	"github.com/alvesdmateus/release-gate/internal/gates"
	"github.com/alvesdmateus/release-gate/internal/notify"
	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

// gateRun is the outcome of one gate
type gateRun struct {
	result models.GateExecutionResult
	// committed is set when the gate changed what serves live traffic
	committed bool
	// err explains a failed or timed out gate
	err error
}

func gateType(g models.Gate) string {
	if g.Kind == models.GateKindManual {
		return models.GateTypeApproval
	}
	return g.Type
}

func (c *Controller) runGate(ctx context.Context, env models.Environment, run *models.DeploymentRun, seq int, gate models.Gate, audit *DeploymentLogger) gateRun {
	ctx, span := c.tracer.StartGate(ctx, gate.Name, gateType(gate))
	defer span.End()

	start := c.clock.Now()
	result := models.GateExecutionResult{
		GateName:  gate.Name,
		Status:    models.GateStatusRunning,
		Attempt:   1,
		StartedAt: start,
	}
	c.recordGate(ctx, run, seq, result)
	audit.Info(ctx, "Gate started", Details("gate", gate.Name, "kind", gate.Kind, "type", gate.Type))

	var gr gateRun
	if gate.Kind == models.GateKindManual {
		gr = c.runManual(ctx, env, run, gate, result, audit)
	} else {
		gr = c.runAutomated(ctx, env, run, seq, gate, result, audit)
	}

	end := c.clock.Now()
	gr.result.EndedAt = &end
	c.recordGate(ctx, run, seq, gr.result)
	c.metrics.RecordGate(gateType(gate), string(gr.result.Status), end.Sub(start).Seconds())

	observability.FinishGate(span, gr.result)
	if gr.result.Status == models.GateStatusPassed {
		audit.Info(ctx, "Gate passed", Details("gate", gate.Name, "attempts", gr.result.Attempt, "message", gr.result.Message))
	} else {
		audit.Error(ctx, "Gate "+string(gr.result.Status), gr.err, Details("gate", gate.Name, "attempts", gr.result.Attempt))
	}
	return gr
}

// runAutomated tries the gate's checker up to its attempt budget, each attempt
// bounded by the gate timeout, with a constant backoff in between.
func (c *Controller) runAutomated(ctx context.Context, env models.Environment, run *models.DeploymentRun, seq int, gate models.Gate, result models.GateExecutionResult, audit *DeploymentLogger) gateRun {
	gr := gateRun{result: result}

	checker, ok := c.gates.Get(gate.Type)
	if !ok {
		gr.err = fmt.Errorf("no checker for gate type %q", gate.Type)
		gr.result.Status = models.GateStatusFailed
		gr.result.Message = gr.err.Error()
		return gr
	}

	backoff := gate.Backoff
	if backoff <= 0 {
		backoff = c.cfg.GateBackoff
	}
	attempts := gate.Attempts()
	in := gates.Input{Run: run, Environment: env, Gate: gate}

	for attempt := 1; attempt <= attempts; attempt++ {
		gr.result.Attempt = attempt
		if attempt > 1 {
			c.recordGate(ctx, run, seq, gr.result)
		}

		out, err := c.attempt(ctx, checker, in, gate)
		if out.Strategy != nil && out.Strategy.TrafficCommitted {
			gr.committed = true
		}

		if err == nil && out.Passed {
			c.metrics.RecordGateAttempt(gateType(gate), "passed")
			gr.result.Status = models.GateStatusPassed
			gr.result.Message = out.Message
			gr.err = nil
			return gr
		}

		if err != nil {
			c.metrics.RecordGateAttempt(gateType(gate), "error")
			gr.err = err
			gr.result.Message = err.Error()
		} else {
			c.metrics.RecordGateAttempt(gateType(gate), "failed")
			gr.err = errors.New(out.Message)
			if out.Strategy != nil && out.Strategy.Err != nil {
				gr.err = out.Strategy.Err
			}
			gr.result.Message = out.Message
		}
		audit.Warn(ctx, "Gate attempt failed", Details("gate", gate.Name, "attempt", attempt, "of", attempts, "reason", gr.result.Message))

		if ctx.Err() != nil {
			gr.err = ctx.Err()
			break
		}
		if gr.committed {
			// a rollout that moved traffic is never retried
			audit.Warn(ctx, "Traffic was committed, not retrying", Details("gate", gate.Name))
			break
		}
		if attempt < attempts {
			if err := c.clock.Sleep(ctx, backoff); err != nil {
				gr.err = err
				break
			}
		}
	}

	gr.result.Status = models.GateStatusFailed
	if errors.Is(gr.err, context.DeadlineExceeded) && ctx.Err() == nil {
		gr.result.Status = models.GateStatusTimedOut
	}
	return gr
}

// attempt runs the checker once under the gate's timeout
func (c *Controller) attempt(ctx context.Context, checker gates.Checker, in gates.Input, gate models.Gate) (gates.Outcome, error) {
	actx := ctx
	if gate.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, gate.Timeout)
		defer cancel()
	}

	out, err := checker.Check(actx, in)
	if !out.Passed && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, fmt.Errorf("attempt exceeded %s: %w", gate.Timeout, context.DeadlineExceeded)
	}
	return out, err
}

// runManual opens an approval request and suspends until it is resolved or expires
func (c *Controller) runManual(ctx context.Context, env models.Environment, run *models.DeploymentRun, gate models.Gate, result models.GateExecutionResult, audit *DeploymentLogger) gateRun {
	gr := gateRun{result: result}
	fail := func(status models.GateStatus, err error) gateRun {
		gr.result.Status = status
		gr.result.Message = err.Error()
		gr.err = err
		return gr
	}

	required := gate.RequiredApprovers
	if required <= 0 {
		required = env.RequiredApproverCount
	}
	req, err := c.approvals.RequestApproval(ctx, approval.Request{
		DeploymentID:  run.DeploymentID,
		Environment:   run.Environment,
		ServiceName:   run.ServiceName,
		Version:       run.Version,
		Gate:          gate.Name,
		Approvers:     env.Approvers,
		RequiredCount: required,
		Timeout:       gate.Timeout,
	})
	if err != nil {
		return fail(models.GateStatusFailed, fmt.Errorf("failed to request approval: %w", err))
	}

	audit.Info(ctx, "Approval requested", Details(
		"gate", gate.Name,
		"request_id", req.RequestID,
		"required", req.RequiredCount,
		"expires_at", req.ExpiresAt,
	))
	c.notifier.Dispatch(ctx, notify.Event{
		Kind: notify.EventApprovalNeeded,
		Run:  snapshotOf(run),
		Message: fmt.Sprintf("%d approval(s) needed for gate %s of %s %s in %s (request %s, expires %s)",
			req.RequiredCount, gate.Name, run.ServiceName, run.Version, run.Environment, req.RequestID, req.ExpiresAt.Format("2006-01-02 15:04 MST")),
		At: c.clock.Now(),
	})

	final, err := c.approvals.Wait(ctx, req.RequestID)
	if err != nil {
		return fail(models.GateStatusFailed, fmt.Errorf("waiting for approval %s: %w", req.RequestID, err))
	}
	c.metrics.RecordApproval(string(final.Status), c.clock.Since(req.CreatedAt).Seconds())

	if err := approval.Outcome(final); err != nil {
		var timeout models.ApprovalTimeout
		if errors.As(err, &timeout) {
			return fail(models.GateStatusTimedOut, err)
		}
		return fail(models.GateStatusFailed, err)
	}

	gr.result.Status = models.GateStatusPassed
	gr.result.Message = "approved by " + strings.Join(final.Approvals.List(), ", ")
	return gr
}

// recordGate keeps the in-memory run and the store in step
func (c *Controller) recordGate(ctx context.Context, run *models.DeploymentRun, seq int, result models.GateExecutionResult) {
	if seq < len(run.Results) {
		run.Results[seq] = result
	} else {
		run.Results = append(run.Results, result)
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := c.store.SaveGateResult(pctx, run.DeploymentID, seq, result); err != nil {
		c.logger.Warn().Err(err).Str("deploymentId", run.DeploymentID).Str("gate", result.GateName).Msg("Failed to persist gate result")
	}
}
