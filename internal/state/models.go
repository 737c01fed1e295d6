package state

import (
	"time"

	"gorm.io/gorm"
)

// DeploymentRun database model. ActiveKey is "<environment>/<service>" while
// the run is non-terminal and NULL afterwards; its unique index enforces one
// live run per key.
type DeploymentRun struct {
	ID          string  `gorm:"type:varchar(36);primaryKey"`
	Environment string  `gorm:"not null;index:idx_runs_env_service"`
	ServiceName string  `gorm:"not null;index:idx_runs_env_service"`
	Version     string  `gorm:"not null;index"`
	Strategy    string  `gorm:"not null"`
	Phase       string  `gorm:"not null"`
	Status      string  `gorm:"not null;index"`
	ActiveKey   *string `gorm:"uniqueIndex:idx_runs_active_key"`
	RequestedBy string
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time

	Results []GateResult `gorm:"foreignKey:DeploymentID;references:ID"`
}

// GateResult database model, one row per gate of a run
type GateResult struct {
	ID           uint   `gorm:"primaryKey"`
	DeploymentID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_gate_results_run_seq"`
	Seq          int    `gorm:"not null;uniqueIndex:idx_gate_results_run_seq"`
	GateName     string `gorm:"not null"`
	Status       string `gorm:"not null"`
	Attempt      int
	Message      string `gorm:"type:text"`
	StartedAt    time.Time
	EndedAt      *time.Time
}

// RollbackSnapshot database model. Rows are ordered by CreatedAt then ID
// for FIFO eviction.
type RollbackSnapshot struct {
	ID           uint   `gorm:"primaryKey"`
	SnapshotID   string `gorm:"type:varchar(36);not null;uniqueIndex"`
	DeploymentID string `gorm:"type:varchar(36);not null;index"`
	Environment  string `gorm:"not null;index:idx_snapshots_env_service"`
	ServiceName  string `gorm:"not null;index:idx_snapshots_env_service"`
	Version      string
	ArtifactRefs string `gorm:"type:text"`
	CreatedAt    time.Time
}

// ApprovalRequest database model. Revision backs compare-and-swap updates.
type ApprovalRequest struct {
	ID                string `gorm:"type:varchar(36);primaryKey"`
	DeploymentID      string `gorm:"type:varchar(36);not null;uniqueIndex:idx_approvals_run_gate"`
	GateName          string `gorm:"not null;uniqueIndex:idx_approvals_run_gate"`
	Environment       string `gorm:"not null;index:idx_approvals_env_service"`
	ServiceName       string `gorm:"not null;index:idx_approvals_env_service"`
	Version           string
	RequiredApprovers string `gorm:"type:text"`
	RequiredCount     int
	Approvals         string `gorm:"type:text"`
	Rejections        string `gorm:"type:text"`
	Status            string `gorm:"not null;index"`
	Reason            string `gorm:"type:text"`
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"index"`
	ResolvedAt        *time.Time
	Revision          int64 `gorm:"not null;default:0"`
}

// Incident database model
type Incident struct {
	ID          string `gorm:"type:varchar(36);primaryKey"`
	Environment string `gorm:"not null;index:idx_incidents_env_service"`
	ServiceName string `gorm:"not null;index:idx_incidents_env_service"`
	Title       string
	OpenedBy    string
	Active      bool `gorm:"not null;index"`
	OpenedAt    time.Time
	ResolvedAt  *time.Time
}

// DeploymentLog is an append-only audit entry for a run
type DeploymentLog struct {
	ID           uint   `gorm:"primaryKey"`
	DeploymentID string `gorm:"type:varchar(36);not null;index"`
	JobID        string
	Phase        string `gorm:"not null"`
	Level        string `gorm:"not null"`
	Message      string `gorm:"type:text;not null"`
	Details      string `gorm:"type:text"`
	CreatedAt    time.Time
}

// Operator is a person or service account allowed to use the API. Username
// is the identity recorded on approvals and runs.
type Operator struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	Username     string `gorm:"not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;default:'deployer'"`
	Active       bool   `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey is a long-lived credential for an operator. Only the SHA-256 of the
// key is stored.
type APIKey struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	OperatorID string `gorm:"type:varchar(36);not null;index"`
	Name       string `gorm:"not null"`
	KeyHash    string `gorm:"not null;uniqueIndex"`
	KeyPrefix  string `gorm:"not null"`
	ExpiresAt  *time.Time
	LastUsed   *time.Time
	Active     bool `gorm:"not null"`
	CreatedAt  time.Time
}

// AllModels lists every table, for migrations
func AllModels() []interface{} {
	return []interface{}{
		&DeploymentRun{},
		&GateResult{},
		&RollbackSnapshot{},
		&ApprovalRequest{},
		&Incident{},
		&DeploymentLog{},
		&Operator{},
		&APIKey{},
	}
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
