// Package gates implements the automated checks a run must pass. Each gate
// type has one Checker; manual gates are handled by the approval workflow.
package gates

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alvesdmateus/release-gate/internal/strategy"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

// Input is everything a checker may look at
type Input struct {
	Run         *models.DeploymentRun
	Environment models.Environment
	Gate        models.Gate
}

// Image returns the image reference of the version being deployed
func (in Input) Image() string {
	return in.Environment.ResourceProfile.ImageRef(in.Run.Version)
}

// Expand substitutes {{service}}, {{environment}} and {{version}} in s
func (in Input) Expand(s string) string {
	return strings.NewReplacer(
		"{{service}}", in.Run.ServiceName,
		"{{environment}}", in.Run.Environment,
		"{{version}}", in.Run.Version,
	).Replace(s)
}

// Outcome is the result of one attempt
type Outcome struct {
	Passed  bool
	Message string
	// Strategy is set by the deploy gate
	Strategy *strategy.Result
}

// Checker evaluates one gate attempt. An error counts as a failed attempt.
type Checker interface {
	Check(ctx context.Context, in Input) (Outcome, error)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context, in Input) (Outcome, error)

func (f CheckerFunc) Check(ctx context.Context, in Input) (Outcome, error) {
	return f(ctx, in)
}

func passed(format string, args ...interface{}) Outcome {
	return Outcome{Passed: true, Message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...interface{}) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

// Registry maps gate types to checkers
type Registry struct {
	checkers map[string]Checker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register installs c for gate type t, replacing any previous checker
func (r *Registry) Register(t string, c Checker) {
	r.checkers[t] = c
}

// Get returns the checker for gate type t
func (r *Registry) Get(t string) (Checker, bool) {
	c, ok := r.checkers[t]
	return c, ok
}

// Types lists registered gate types
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.checkers))
	for t := range r.checkers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every automated gate of env has a checker and every manual gate a timeout
func (r *Registry) Validate(env models.Environment) error {
	seen := make(map[string]bool, len(env.Gates))
	for _, g := range env.Gates {
		if g.Name == "" {
			return models.ValidationError{Field: "gates", Reason: fmt.Sprintf("environment %s has a gate without a name", env.Name)}
		}
		if seen[g.Name] {
			return models.ValidationError{Field: "gates", Reason: fmt.Sprintf("duplicate gate %s in %s", g.Name, env.Name)}
		}
		seen[g.Name] = true

		switch g.Kind {
		case models.GateKindManual:
			if g.Timeout <= 0 {
				return models.ValidationError{Field: "gates", Reason: fmt.Sprintf("manual gate %s needs a timeout", g.Name)}
			}
		case models.GateKindAutomated, "":
			if _, ok := r.checkers[g.Type]; !ok {
				return models.ValidationError{Field: "gates", Reason: fmt.Sprintf("gate %s has unknown type %q", g.Name, g.Type)}
			}
		default:
			return models.ValidationError{Field: "gates", Reason: fmt.Sprintf("gate %s has unknown kind %q", g.Name, g.Kind)}
		}
	}
	return nil
}
