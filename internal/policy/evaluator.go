// Package policy decides whether an environment accepts a deployment request.
package policy

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/registry"
	"github.com/alvesdmateus/release-gate/internal/source"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

const (
	defaultApprovalValidity = 24 * time.Hour
	defaultPromoteFrom      = "staging"
)

// History answers questions about past runs, incidents and approvals
type History interface {
	HasSuccessfulRun(ctx context.Context, env, service, version string) (bool, error)
	ActiveIncident(ctx context.Context, env, service string) (*models.Incident, error)
	HasValidApproval(ctx context.Context, env, service, version string, notBefore time.Time) (bool, error)
}

// Config tunes the evaluator
type Config struct {
	// ApprovalValidity is how long a granted approval satisfies the approval rule
	ApprovalValidity time.Duration
}

// Result is the outcome of a policy evaluation
type Result struct {
	Allowed   bool                    `json:"allowed"`
	Violation *models.PolicyViolation `json:"violation,omitempty"`
	// ApprovalDeferred is set when approval will be collected by a manual gate
	ApprovalDeferred bool                `json:"approval_deferred"`
	Checked          []models.PolicyRule `json:"checked"`
}

// Err returns the violation as an error, or nil
func (r Result) Err() error {
	if r.Violation == nil {
		return nil
	}
	return *r.Violation
}

// Evaluator checks a request against an environment's policy
type Evaluator struct {
	history   History
	branches  source.BranchResolver
	artifacts registry.Checker
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger
}

// NewEvaluator creates an evaluator. branches and artifacts may be nil, in
// which case requests must carry their branch and artifacts are not checked.
func NewEvaluator(history History, branches source.BranchResolver, artifacts registry.Checker, c clock.Clock, cfg Config, logger zerolog.Logger) *Evaluator {
	if cfg.ApprovalValidity <= 0 {
		cfg.ApprovalValidity = defaultApprovalValidity
	}
	return &Evaluator{
		history:   history,
		branches:  branches,
		artifacts: artifacts,
		clock:     c,
		cfg:       cfg,
		logger:    logger.With().Str("component", "policy").Logger(),
	}
}

type rule struct {
	name  models.PolicyRule
	check func(ctx context.Context, req models.DeploymentRequest, env models.Environment, res *Result) (string, error)
}

// Evaluate runs the rules in order and stops at the first violation. The
// returned error is reserved for failures to reach the history store or registry.
func (e *Evaluator) Evaluate(ctx context.Context, req models.DeploymentRequest, env models.Environment) (Result, error) {
	rules := []rule{
		{models.RuleEnvironmentDisabled, e.checkEnabled},
		{models.RuleBranchNotAllowed, e.checkBranch},
		{models.RuleOutsideWindow, e.checkWindow},
		{models.RulePromotionMissing, e.checkPromotion},
		{models.RuleActiveIncident, e.checkIncident},
		{models.RuleApprovalMissing, e.checkApproval},
		{models.RuleArtifactMissing, e.checkArtifact},
	}

	var res Result
	for _, r := range rules {
		res.Checked = append(res.Checked, r.name)
		reason, err := r.check(ctx, req, env, &res)
		if err != nil {
			return Result{}, fmt.Errorf("policy rule %s: %w", r.name, err)
		}
		if reason != "" {
			res.Violation = &models.PolicyViolation{Rule: r.name, Reason: reason}
			e.logger.Warn().
				Str("environment", env.Name).
				Str("service", req.ServiceName).
				Str("version", req.VersionRef).
				Str("rule", string(r.name)).
				Str("reason", reason).
				Msg("Policy violation")
			return res, nil
		}
	}

	res.Allowed = true
	return res, nil
}

func (e *Evaluator) checkEnabled(_ context.Context, _ models.DeploymentRequest, env models.Environment, _ *Result) (string, error) {
	if !env.Enabled {
		return fmt.Sprintf("environment %s is disabled", env.Name), nil
	}
	return "", nil
}

func (e *Evaluator) checkBranch(ctx context.Context, req models.DeploymentRequest, env models.Environment, _ *Result) (string, error) {
	if env.AllowedBranch == "" {
		return "", nil
	}

	branch := req.Branch
	if branch == "" && e.branches != nil {
		b, err := e.branches.CurrentBranch(ctx)
		if err != nil {
			return fmt.Sprintf("source branch could not be determined: %v", err), nil
		}
		branch = b
	}
	if branch == "" {
		return fmt.Sprintf("source branch is unknown, %s requires %s", env.Name, env.AllowedBranch), nil
	}

	ok, err := path.Match(env.AllowedBranch, branch)
	if err != nil {
		return fmt.Sprintf("invalid allowed_branch pattern %q", env.AllowedBranch), nil
	}
	if !ok {
		return fmt.Sprintf("branch %s is not allowed in %s (allowed: %s)", branch, env.Name, env.AllowedBranch), nil
	}
	return "", nil
}

func (e *Evaluator) checkWindow(_ context.Context, _ models.DeploymentRequest, env models.Environment, _ *Result) (string, error) {
	if env.DeploymentWindow == "" {
		return "", nil
	}
	w, err := ParseWindow(env.DeploymentWindow)
	if err != nil {
		return err.Error(), nil
	}
	now := e.clock.Now()
	if !w.Contains(now) {
		return fmt.Sprintf("%s is outside the deployment window %s", now.In(w.location).Format("Mon 15:04 MST"), w), nil
	}
	return "", nil
}

func (e *Evaluator) checkPromotion(ctx context.Context, req models.DeploymentRequest, env models.Environment, _ *Result) (string, error) {
	if !env.Production {
		return "", nil
	}
	from := env.PromoteFrom
	if from == "" {
		from = defaultPromoteFrom
	}
	ok, err := e.history.HasSuccessfulRun(ctx, from, req.ServiceName, req.VersionRef)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("version %s of %s has no successful deployment in %s", req.VersionRef, req.ServiceName, from), nil
	}
	return "", nil
}

func (e *Evaluator) checkIncident(ctx context.Context, req models.DeploymentRequest, env models.Environment, _ *Result) (string, error) {
	inc, err := e.history.ActiveIncident(ctx, env.Name, req.ServiceName)
	if err != nil {
		return "", err
	}
	if inc != nil {
		return fmt.Sprintf("active incident %s: %s", inc.ID, inc.Title), nil
	}
	return "", nil
}

func (e *Evaluator) checkApproval(ctx context.Context, req models.DeploymentRequest, env models.Environment, res *Result) (string, error) {
	if !env.ApprovalRequired {
		return "", nil
	}
	ok, err := e.history.HasValidApproval(ctx, env.Name, req.ServiceName, req.VersionRef, e.clock.Now().Add(-e.cfg.ApprovalValidity))
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}
	if env.HasManualGate() {
		res.ApprovalDeferred = true
		return "", nil
	}
	return fmt.Sprintf("%s requires approval and %s has neither a valid approval nor a manual gate", env.Name, req.VersionRef), nil
}

func (e *Evaluator) checkArtifact(ctx context.Context, req models.DeploymentRequest, env models.Environment, _ *Result) (string, error) {
	if e.artifacts == nil {
		return "", nil
	}
	image := env.ResourceProfile.ImageRef(req.VersionRef)
	ok, err := e.artifacts.Exists(ctx, image)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("image %s not found in registry", image), nil
	}
	return "", nil
}
