package models

import (
	"fmt"
	"time"
)

// ValidationError is returned for a malformed request; nothing runs
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ConflictError is returned when a run is already active for the same environment and service
type ConflictError struct {
	Environment string
	ServiceName string
	ActiveRunID string
}

func (e ConflictError) Error() string {
	if e.ActiveRunID == "" {
		return fmt.Sprintf("deployment already in progress for %s/%s", e.Environment, e.ServiceName)
	}
	return fmt.Sprintf("deployment %s already in progress for %s/%s", e.ActiveRunID, e.Environment, e.ServiceName)
}

// PolicyRule identifies which environment policy check rejected a request
type PolicyRule string

const (
	RuleEnvironmentDisabled PolicyRule = "environment_disabled"
	RuleBranchNotAllowed    PolicyRule = "branch_not_allowed"
	RuleOutsideWindow       PolicyRule = "outside_deployment_window"
	RulePromotionMissing    PolicyRule = "promotion_missing"
	RuleActiveIncident      PolicyRule = "active_incident"
	RuleApprovalMissing     PolicyRule = "approval_missing"
	RuleArtifactMissing     PolicyRule = "artifact_missing"
)

// PolicyViolation is returned when the environment policy rejects a request
type PolicyViolation struct {
	Rule   PolicyRule
	Reason string
}

func (e PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Reason)
}

// GateFailure is returned when a gate ends failed or timed out
type GateFailure struct {
	Gate     string
	Status   GateStatus
	Attempts int
	Err      error
}

func (e GateFailure) Error() string {
	return fmt.Sprintf("gate %s %s after %d attempt(s): %v", e.Gate, e.Status, e.Attempts, e.Err)
}

func (e GateFailure) Unwrap() error {
	return e.Err
}

// ApprovalTimeout is returned when an approval request expires undecided
type ApprovalTimeout struct {
	RequestID string
	Gate      string
	ExpiresAt time.Time
}

func (e ApprovalTimeout) Error() string {
	return fmt.Sprintf("approval %s for gate %s expired at %s", e.RequestID, e.Gate, e.ExpiresAt.Format(time.RFC3339))
}

// ApprovalRejectedError is returned when an approval request is rejected or cancelled
type ApprovalRejectedError struct {
	RequestID string
	Gate      string
	By        string
	Reason    string
}

func (e ApprovalRejectedError) Error() string {
	msg := fmt.Sprintf("approval %s for gate %s rejected by %s", e.RequestID, e.Gate, e.By)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// HealthCheckFailure is returned by strategies whose target never became healthy
type HealthCheckFailure struct {
	Target   string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e HealthCheckFailure) Error() string {
	msg := fmt.Sprintf("health check failed for %s after %d attempt(s) in %s", e.Target, e.Attempts, e.Elapsed)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e HealthCheckFailure) Unwrap() error {
	return e.Err
}

// RollbackFailure is fatal and requires an operator. It is never retried.
type RollbackFailure struct {
	Environment string
	ServiceName string
	SnapshotID  string
	Err         error
}

func (e RollbackFailure) Error() string {
	return fmt.Sprintf("rollback failed for %s/%s (snapshot %q): %v", e.Environment, e.ServiceName, e.SnapshotID, e.Err)
}

func (e RollbackFailure) Unwrap() error {
	return e.Err
}
