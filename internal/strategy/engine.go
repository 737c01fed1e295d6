// Package strategy implements the four traffic progression algorithms behind
// one interface. Every strategy consumes the same health checker and reports
// a uniform Result so the pipeline can treat them interchangeably.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/health"
	"github.com/alvesdmateus/release-gate/internal/signal"
	"github.com/alvesdmateus/release-gate/internal/workload"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

const cleanupTimeout = 30 * time.Second

// Target identifies the service being deployed
type Target struct {
	Environment string
	Service     string
}

func (t Target) String() string {
	return t.Environment + "/" + t.Service
}

// State is a serving configuration known to be safe
type State struct {
	Workload       string `json:"workload"`
	Version        string `json:"version"`
	TrafficPercent int    `json:"traffic_percent"`
}

// Result is the uniform outcome of a strategy execution
type Result struct {
	Strategy  models.Strategy `json:"strategy"`
	Succeeded bool            `json:"succeeded"`
	// LastGoodState is what was serving traffic safely when the strategy stopped
	LastGoodState State `json:"last_good_state"`
	// TrafficCommitted is true once live traffic reached new-version capacity,
	// or serving capacity was removed
	TrafficCommitted bool `json:"traffic_committed"`
	// TrafficHistory lists every percentage routed to the new version, in order
	TrafficHistory []int `json:"traffic_history,omitempty"`
	Err            error `json:"-"`
}

// Strategy is one progression algorithm
type Strategy interface {
	Name() models.Strategy
	Validate(plan models.StrategyPlan) error
	Execute(ctx context.Context, plan models.StrategyPlan, target Target) Result
}

// deps are shared by every strategy
type deps struct {
	orch    workload.Orchestrator
	checker *health.Checker
	clock   clock.Clock
	signal  signal.ErrorRateSource
	logger  zerolog.Logger
}

// Engine dispatches a plan to its strategy
type Engine struct {
	strategies map[models.Strategy]Strategy
	logger     zerolog.Logger
}

// NewEngine wires the four strategies to an orchestrator
func NewEngine(orch workload.Orchestrator, checker *health.Checker, c clock.Clock, errorRates signal.ErrorRateSource, logger zerolog.Logger) *Engine {
	if errorRates == nil {
		errorRates = signal.NewStatic()
	}
	d := deps{
		orch:    orch,
		checker: checker,
		clock:   c,
		signal:  errorRates,
		logger:  logger.With().Str("component", "strategy").Logger(),
	}

	e := &Engine{
		strategies: make(map[models.Strategy]Strategy),
		logger:     d.logger,
	}
	for _, s := range []Strategy{&Rolling{d}, &BlueGreen{d}, &Canary{d}, &Recreate{d}} {
		e.strategies[s.Name()] = s
	}
	return e
}

// Get returns the strategy registered under name
func (e *Engine) Get(name models.Strategy) (Strategy, error) {
	s, ok := e.strategies[name]
	if !ok {
		return nil, models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", name)}
	}
	return s, nil
}

// Validate checks a plan against its strategy's rules
func (e *Engine) Validate(plan models.StrategyPlan) error {
	s, err := e.Get(plan.Type)
	if err != nil {
		return err
	}
	return s.Validate(plan)
}

// Execute validates and runs a plan
func (e *Engine) Execute(ctx context.Context, plan models.StrategyPlan, target Target) Result {
	s, err := e.Get(plan.Type)
	if err != nil {
		return Result{Strategy: plan.Type, Err: err}
	}
	if err := s.Validate(plan); err != nil {
		return Result{Strategy: plan.Type, Err: err}
	}

	e.logger.Info().
		Str("target", target.String()).
		Str("strategy", string(plan.Type)).
		Str("version", plan.Version).
		Int32("replicas", plan.Replicas).
		Msg("Executing strategy")

	res := s.Execute(ctx, plan, target)
	res.Strategy = plan.Type

	evt := e.logger.Info()
	if !res.Succeeded {
		evt = e.logger.Warn().Err(res.Err)
	}
	evt.Str("target", target.String()).
		Str("strategy", string(plan.Type)).
		Bool("succeeded", res.Succeeded).
		Bool("trafficCommitted", res.TrafficCommitted).
		Ints("trafficHistory", res.TrafficHistory).
		Msg("Strategy finished")

	return res
}

// current returns the workload receiving traffic and its status
func (d deps) current(ctx context.Context, t Target) (string, workload.Status, error) {
	active, err := d.orch.ActiveWorkload(ctx, t.Environment, t.Service)
	if err != nil {
		return "", workload.Status{}, fmt.Errorf("failed to read traffic selector: %w", err)
	}
	if active == "" {
		return "", workload.Status{}, nil
	}
	st, err := d.orch.Status(ctx, t.Environment, active)
	if err != nil {
		return "", workload.Status{}, fmt.Errorf("failed to read active workload: %w", err)
	}
	if !st.Exists {
		// selector points at nothing; treat as a first deployment
		return "", workload.Status{}, nil
	}
	return active, st, nil
}

// idleSlot returns the slot that is not serving traffic
func idleSlot(t Target, active string) string {
	if c := workload.ColorOf(t.Service, active); c != "" {
		return workload.SlotName(t.Service, workload.OtherColor(c))
	}
	return workload.SlotName(t.Service, workload.ColorBlue)
}

// ReadyProbe reports ready when a workload's ready replicas equal its desired count
func ReadyProbe(orch workload.Orchestrator, env, name string, desired int32) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) (bool, error) {
		st, err := orch.Status(ctx, env, name)
		if err != nil {
			return false, err
		}
		if !st.Exists {
			return false, fmt.Errorf("workload %s does not exist", name)
		}
		if st.Ready == desired && st.Desired == desired {
			return true, nil
		}
		return false, fmt.Errorf("%d/%d replicas ready", st.Ready, desired)
	})
}

// checkHealth polls a workload until desired replicas are ready
func (d deps) checkHealth(ctx context.Context, plan models.StrategyPlan, t Target, name string, desired int32) error {
	target := t.Environment + "/" + name
	res := d.checker.Poll(ctx, target, ReadyProbe(d.orch, t.Environment, name, desired), health.OptionsFrom(plan.HealthCheck))
	return res.Failure(target)
}

// cleanupContext survives cancellation of the run so reverts still reach the orchestrator
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (d deps) spec(plan models.StrategyPlan, t Target, name string, replicas int32) workload.Spec {
	return workload.Spec{
		Name:     name,
		Service:  t.Service,
		Image:    plan.Image,
		Version:  plan.Version,
		Replicas: replicas,
	}
}

func failed(res Result, err error) Result {
	res.Succeeded = false
	res.Err = err
	return res
}
