package queue

import (
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

// JobType represents the type of job to be processed
type JobType string

const (
	// JobTypeRun executes a full pipeline run for a deployment request
	JobTypeRun JobType = "run"

	// JobTypeRollback restores a snapshot on operator request
	JobTypeRollback JobType = "rollback"
)

// JobTypes lists every queue a worker polls, in round-robin order
var JobTypes = []JobType{JobTypeRun, JobTypeRollback}

// Retry backoff for jobs that failed before reaching a terminal run state
const (
	BaseBackoffDelay     = 5 * time.Second
	MaxBackoffDelay      = 5 * time.Minute
	BackoffMultiplier    = 2.0
	BackoffJitterPercent = 0.1
)

// Job represents a work item in the queue
type Job struct {
	ID           string           `json:"id"`
	Type         JobType          `json:"type"`
	DeploymentID string           `json:"deployment_id"`
	Run          *RunPayload      `json:"run,omitempty"`
	Rollback     *RollbackPayload `json:"rollback,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	LastError    string           `json:"last_error,omitempty"`
}

// RunPayload contains the request for a run job
type RunPayload struct {
	Request models.DeploymentRequest `json:"request"`
}

// RollbackPayload contains data for a manual rollback job
type RollbackPayload struct {
	Environment string `json:"environment"`
	ServiceName string `json:"service_name"`
	SnapshotID  string `json:"snapshot_id,omitempty"`
	RequestedBy string `json:"requested_by"`
}

// Claim is a job a worker has dequeued and not yet finished
type Claim struct {
	Job       *Job      `json:"job"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// LeaseKey returns the environment and service the job deploys to
func (j *Job) LeaseKey() (env, service string, ok bool) {
	switch {
	case j.Run != nil:
		return j.Run.Request.Environment, j.Run.Request.ServiceName, true
	case j.Rollback != nil:
		return j.Rollback.Environment, j.Rollback.ServiceName, true
	}
	return "", "", false
}
