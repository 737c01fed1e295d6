package models

import (
	"time"
)

// Strategy names a deployment progression algorithm
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue_green"
	StrategyCanary    Strategy = "canary"
	StrategyRecreate  Strategy = "recreate"
)

// Strategies lists every supported strategy
var Strategies = []Strategy{StrategyRolling, StrategyBlueGreen, StrategyCanary, StrategyRecreate}

// Valid reports whether s is one of the supported strategies
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// RunStatus is the overall status of a DeploymentRun
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusSuccess    RunStatus = "success"
	RunStatusFailed     RunStatus = "failed"
	RunStatusRolledBack RunStatus = "rolled_back"
)

// Terminal reports whether no further transitions are possible
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusRolledBack
}

// Run phases, used for audit logs and status display
const (
	PhaseAccepted    = "ACCEPTED"
	PhasePolicy      = "POLICY"
	PhaseSnapshot    = "SNAPSHOT"
	PhaseGates       = "GATES"
	PhaseRollingBack = "ROLLING_BACK"
	PhaseFinished    = "FINISHED"
)

// DeploymentRequest asks for a version of a service to be deployed to an environment.
// It is immutable once accepted.
type DeploymentRequest struct {
	DeploymentID string    `json:"deployment_id,omitempty" validate:"omitempty,uuid"`
	Environment  string    `json:"environment" validate:"required,max=63"`
	ServiceName  string    `json:"service_name" validate:"required,hostname_rfc1123,max=50"`
	VersionRef   string    `json:"version_ref" validate:"required,max=128"`
	Strategy     Strategy  `json:"strategy" validate:"required,oneof=rolling blue_green canary recreate"`
	RequestedBy  string    `json:"requested_by" validate:"required"`
	Branch       string    `json:"branch,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// GateStatus is the state of a single gate execution
type GateStatus string

const (
	GateStatusPending  GateStatus = "pending"
	GateStatusRunning  GateStatus = "running"
	GateStatusPassed   GateStatus = "passed"
	GateStatusFailed   GateStatus = "failed"
	GateStatusTimedOut GateStatus = "timed_out"
)

// GateExecutionResult records the outcome of one gate in a run
type GateExecutionResult struct {
	GateName  string     `json:"gate_name"`
	Status    GateStatus `json:"status"`
	Attempt   int        `json:"attempt"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// DeploymentRun is the live and historical record of a pipeline execution
type DeploymentRun struct {
	DeploymentID  string                `json:"deployment_id"`
	Environment   string                `json:"environment"`
	ServiceName   string                `json:"service_name"`
	Version       string                `json:"version"`
	Strategy      Strategy              `json:"strategy"`
	Phase         string                `json:"phase"`
	Results       []GateExecutionResult `json:"results"`
	OverallStatus RunStatus             `json:"overall_status"`
	RequestedBy   string                `json:"requested_by"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`

	// Resumed is set when the run row already existed, running, from an
	// earlier process that stopped before finishing it
	Resumed bool `json:"-"`
}

// RollbackSnapshot is a restorable record of pre-deployment state
type RollbackSnapshot struct {
	ID           string            `json:"id"`
	DeploymentID string            `json:"deployment_id"`
	Environment  string            `json:"environment"`
	ServiceName  string            `json:"service_name"`
	Version      string            `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	ArtifactRefs map[string]string `json:"artifact_refs"`
}

// Artifact reference keys recorded in a snapshot
const (
	ArtifactImage    = "image"
	ArtifactWorkload = "workload"
	ArtifactReplicas = "replicas"
	ArtifactSelector = "selector"
)

// Incident flags an ongoing production problem for a service in an environment
type Incident struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	ServiceName string     `json:"service_name"`
	Title       string     `json:"title"`
	OpenedBy    string     `json:"opened_by"`
	Active      bool       `json:"active"`
	OpenedAt    time.Time  `json:"opened_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
