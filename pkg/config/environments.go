package config

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/alvesdmateus/release-gate/internal/policy"
	"github.com/alvesdmateus/release-gate/internal/strategy"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"gopkg.in/yaml.v3"
)

// environmentsFile is the on-disk layout of pipeline.environments_file
type environmentsFile struct {
	Environments []models.Environment `yaml:"environments"`
}

// Catalog serves environment definitions. A catalog backed by a file rereads
// it on every lookup so edits apply to the next run without a restart; a run
// keeps the copy it was handed.
type Catalog struct {
	path   string
	static map[string]models.Environment
}

// NewCatalog returns a catalog that reads path on each lookup.
// The file is parsed once here so a broken file fails at startup.
func NewCatalog(path string) (*Catalog, error) {
	if _, err := ParseEnvironmentsFile(path); err != nil {
		return nil, err
	}
	return &Catalog{path: path}, nil
}

// NewStaticCatalog returns a catalog over fixed definitions
func NewStaticCatalog(envs []models.Environment) (*Catalog, error) {
	byName, err := indexEnvironments(envs)
	if err != nil {
		return nil, err
	}
	return &Catalog{static: byName}, nil
}

// Environment returns a copy of the named environment
func (c *Catalog) Environment(_ context.Context, name string) (models.Environment, error) {
	envs, err := c.load()
	if err != nil {
		return models.Environment{}, err
	}
	env, ok := envs[name]
	if !ok {
		return models.Environment{}, models.ValidationError{Field: "environment", Reason: fmt.Sprintf("unknown environment %q", name)}
	}
	return cloneEnvironment(env), nil
}

// Names lists the configured environments in alphabetical order
func (c *Catalog) Names(_ context.Context) ([]string, error) {
	envs, err := c.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Catalog) load() (map[string]models.Environment, error) {
	if c.static != nil {
		return c.static, nil
	}
	return ParseEnvironmentsFile(c.path)
}

// ParseEnvironmentsFile reads and validates an environments file
func ParseEnvironmentsFile(path string) (map[string]models.Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environments file: %w", err)
	}
	return ParseEnvironments(data)
}

// ParseEnvironments decodes and validates environment definitions
func ParseEnvironments(data []byte) (map[string]models.Environment, error) {
	var file environmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse environments: %w", err)
	}
	return indexEnvironments(file.Environments)
}

func indexEnvironments(envs []models.Environment) (map[string]models.Environment, error) {
	byName := make(map[string]models.Environment, len(envs))
	for i, env := range envs {
		if env.Name == "" {
			return nil, fmt.Errorf("environment %d: name is required", i)
		}
		if _, dup := byName[env.Name]; dup {
			return nil, fmt.Errorf("environment %q is defined twice", env.Name)
		}
		if err := validateEnvironment(env); err != nil {
			return nil, fmt.Errorf("environment %q: %w", env.Name, err)
		}
		byName[env.Name] = env
	}
	return byName, nil
}

func validateEnvironment(env models.Environment) error {
	if env.DeploymentWindow != "" {
		if _, err := policy.ParseWindow(env.DeploymentWindow); err != nil {
			return err
		}
	}
	if len(env.ResourceProfile.CanaryStages) > 0 {
		if err := strategy.ValidateStages(env.ResourceProfile.CanaryStages); err != nil {
			return err
		}
	}
	if env.RequiredApproverCount < 0 {
		return fmt.Errorf("required_approver_count must not be negative")
	}
	if env.RequiredApproverCount > 0 && len(env.Approvers) > 0 && env.RequiredApproverCount > len(env.Approvers) {
		return fmt.Errorf("required_approver_count %d exceeds the %d listed approvers", env.RequiredApproverCount, len(env.Approvers))
	}

	seen := make(map[string]bool, len(env.Gates))
	for i, g := range env.Gates {
		if g.Name == "" {
			return fmt.Errorf("gate %d: name is required", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("gate %q is defined twice", g.Name)
		}
		seen[g.Name] = true

		switch g.Kind {
		case models.GateKindManual:
		case models.GateKindAutomated:
			if g.Type == "" {
				return fmt.Errorf("gate %q: automated gates need a type", g.Name)
			}
		default:
			return fmt.Errorf("gate %q: unknown kind %q", g.Name, g.Kind)
		}
		if g.Timeout < 0 || g.Backoff < 0 || g.RetryCount < 0 {
			return fmt.Errorf("gate %q: durations and retry_count must not be negative", g.Name)
		}
	}
	return nil
}

func cloneEnvironment(env models.Environment) models.Environment {
	out := env
	out.Approvers = append([]string(nil), env.Approvers...)
	out.Gates = append([]models.Gate(nil), env.Gates...)
	out.ResourceProfile.CanaryStages = append([]models.CanaryStage(nil), env.ResourceProfile.CanaryStages...)
	return out
}
