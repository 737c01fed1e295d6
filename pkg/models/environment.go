package models

import (
	"fmt"
	"time"
)

// GateKind distinguishes machine-evaluated gates from human sign-off
type GateKind string

const (
	GateKindAutomated GateKind = "automated"
	GateKindManual    GateKind = "manual"
)

// Gate types understood by the gate checker registry
const (
	GateTypeArtifact    = "artifact"
	GateTypeTests       = "tests"
	GateTypeSecurity    = "security"
	GateTypeDeploy      = "deploy"
	GateTypeHealth      = "health"
	GateTypePerformance = "performance"
	GateTypeApproval    = "approval"
)

// Environment is a deployment target loaded from configuration.
// It is read-only for the lifetime of a run.
type Environment struct {
	Name                  string          `yaml:"name" json:"name"`
	Enabled               bool            `yaml:"enabled" json:"enabled"`
	AllowedBranch         string          `yaml:"allowed_branch" json:"allowed_branch,omitempty"`
	DeploymentWindow      string          `yaml:"deployment_window" json:"deployment_window,omitempty"`
	ApprovalRequired      bool            `yaml:"approval_required" json:"approval_required"`
	RequiredApproverCount int             `yaml:"required_approver_count" json:"required_approver_count"`
	Approvers             []string        `yaml:"approvers" json:"approvers,omitempty"`
	RollbackEnabled       bool            `yaml:"rollback_enabled" json:"rollback_enabled"`
	Production            bool            `yaml:"production" json:"production"`
	PromoteFrom           string          `yaml:"promote_from" json:"promote_from,omitempty"`
	ResourceProfile       ResourceProfile `yaml:"resources" json:"resources"`
	Gates                 []Gate          `yaml:"gates" json:"gates"`
}

// HasManualGate reports whether any gate requires human approval
func (e Environment) HasManualGate() bool {
	for _, g := range e.Gates {
		if g.Kind == GateKindManual {
			return true
		}
	}
	return false
}

// ResourceProfile sizes a deployment and tunes its health checks
type ResourceProfile struct {
	Image              string             `yaml:"image" json:"image"`
	Replicas           int32              `yaml:"replicas" json:"replicas"`
	ReplicaIncrement   int32              `yaml:"replica_increment" json:"replica_increment"`
	CanaryStages       []CanaryStage      `yaml:"canary_stages" json:"canary_stages,omitempty"`
	ErrorRateThreshold float64            `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	SampleInterval     time.Duration      `yaml:"sample_interval" json:"sample_interval"`
	HealthCheck        HealthCheckProfile `yaml:"health_check" json:"health_check"`
	RollbackStrategy   Strategy           `yaml:"rollback_strategy" json:"rollback_strategy"`
}

// ImageRef returns the fully qualified image for a version
func (r ResourceProfile) ImageRef(version string) string {
	if r.Image == "" {
		return version
	}
	return fmt.Sprintf("%s:%s", r.Image, version)
}

// HealthCheckProfile bounds a readiness poll
type HealthCheckProfile struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Retries  int           `yaml:"retries" json:"retries"`
}

// CanaryStage is one step of a canary rollout
type CanaryStage struct {
	Percent  int           `yaml:"percent" json:"percent"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// Gate is a named checkpoint in an environment's pipeline
type Gate struct {
	Name              string          `yaml:"name" json:"name"`
	Kind              GateKind        `yaml:"kind" json:"kind"`
	Type              string          `yaml:"type" json:"type"`
	Timeout           time.Duration   `yaml:"timeout" json:"timeout"`
	RetryCount        int             `yaml:"retry_count" json:"retry_count"`
	Backoff           time.Duration   `yaml:"backoff" json:"backoff,omitempty"`
	RequiredApprovers int             `yaml:"required_approvers" json:"required_approvers,omitempty"`
	Criteria          SuccessCriteria `yaml:"criteria" json:"criteria"`
}

// Attempts returns the number of tries an automated gate gets
func (g Gate) Attempts() int {
	if g.RetryCount < 1 {
		return 1
	}
	return g.RetryCount
}

// SuccessCriteria holds gate-specific thresholds. Only the fields relevant
// to the gate's type are consulted.
type SuccessCriteria struct {
	MinCoverage   float64       `yaml:"min_coverage" json:"min_coverage,omitempty"`
	CoverProfile  string        `yaml:"cover_profile" json:"cover_profile,omitempty"`
	MaxCritical   int           `yaml:"max_critical" json:"max_critical"`
	MaxHigh       int           `yaml:"max_high" json:"max_high"`
	MaxP95Latency time.Duration `yaml:"max_p95_latency" json:"max_p95_latency,omitempty"`
	MaxErrorRate  float64       `yaml:"max_error_rate" json:"max_error_rate,omitempty"`
	TargetURL     string        `yaml:"target_url" json:"target_url,omitempty"`
	Rate          int           `yaml:"rate" json:"rate,omitempty"`
	Duration      time.Duration `yaml:"duration" json:"duration,omitempty"`
}

// StrategyPlan is derived from a strategy type and an environment's resource profile
type StrategyPlan struct {
	Type               Strategy           `json:"type"`
	Image              string             `json:"image"`
	Version            string             `json:"version"`
	Replicas           int32              `json:"replicas"`
	Increment          int32              `json:"increment,omitempty"`
	Color              string             `json:"color,omitempty"`
	Stages             []CanaryStage      `json:"stages,omitempty"`
	HealthCheck        HealthCheckProfile `json:"health_check"`
	ErrorRateThreshold float64            `json:"error_rate_threshold,omitempty"`
	SampleInterval     time.Duration      `json:"sample_interval,omitempty"`
}
