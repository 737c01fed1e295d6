package models

import (
	"sort"
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the request can no longer change
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Decision is an approver's verdict
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalRequest tracks sign-off for a manual gate
type ApprovalRequest struct {
	RequestID         string         `json:"request_id"`
	DeploymentID      string         `json:"deployment_id"`
	Environment       string         `json:"environment"`
	ServiceName       string         `json:"service_name"`
	Version           string         `json:"version"`
	GateName          string         `json:"gate_name"`
	RequiredApprovers StringSet      `json:"required_approvers"`
	RequiredCount     int            `json:"required_count"`
	Approvals         StringSet      `json:"approvals"`
	Rejections        StringSet      `json:"rejections"`
	Status            ApprovalStatus `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	Revision          int64          `json:"revision"`
}

// StringSet is an unordered set of names
type StringSet map[string]struct{}

// NewStringSet builds a set from values
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports membership
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Add inserts v, returning false if it was already present
func (s StringSet) Add(v string) bool {
	if s.Has(v) {
		return false
	}
	s[v] = struct{}{}
	return true
}

// List returns the members in sorted order
func (s StringSet) List() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
