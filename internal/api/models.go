package api

import (
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

// TriggerRunResponse is returned when a run is queued for the worker
type TriggerRunResponse struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// ListRunsResponse represents a page of runs
type ListRunsResponse struct {
	Runs   []*models.DeploymentRun `json:"runs"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// LogEntryResponse represents one audit entry of a run
type LogEntryResponse struct {
	JobID     string                 `json:"job_id,omitempty"`
	Phase     string                 `json:"phase"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ListLogsResponse holds a run's audit trail
type ListLogsResponse struct {
	DeploymentID string             `json:"deployment_id"`
	Logs         []LogEntryResponse `json:"logs"`
}

// DecisionRequest carries an approve or reject decision. Approver is only
// honoured when authentication is disabled; otherwise the caller's identity is used.
type DecisionRequest struct {
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AbortRunRequest fails a run that no process is executing
type AbortRunRequest struct {
	AbortedBy string `json:"aborted_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// OpenIncidentRequest flags a service as having an active incident
type OpenIncidentRequest struct {
	Environment string `json:"environment"`
	ServiceName string `json:"service_name"`
	Title       string `json:"title"`
	OpenedBy    string `json:"opened_by,omitempty"`
}

// RollbackRequest asks for a manual restore. An empty SnapshotID restores the newest snapshot.
type RollbackRequest struct {
	SnapshotID  string `json:"snapshot_id,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// RollbackJobResponse is returned when a restore is queued for the worker
type RollbackJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response. Field, Rule and ActiveRunID
// are set for validation errors, policy violations and conflicts.
type ErrorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message,omitempty"`
	Field       string `json:"field,omitempty"`
	Rule        string `json:"rule,omitempty"`
	ActiveRunID string `json:"active_run_id,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string           `json:"status"`
	Database   string           `json:"database"`
	Queue      string           `json:"queue,omitempty"`
	QueueDepth map[string]int64 `json:"queue_depth,omitempty"`
	Version    string           `json:"version"`
}
