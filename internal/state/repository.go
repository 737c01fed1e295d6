package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// ErrStaleState is returned when a compare-and-swap update lost a race
var ErrStaleState = errors.New("stale state")

// Repository provides database operations for runs, snapshots, approvals,
// incidents and audit logs
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new state repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// RunFilter narrows ListRuns
type RunFilter struct {
	Environment string
	ServiceName string
	Status      models.RunStatus
	Limit       int
	Offset      int
}

// CreateRun inserts a running DeploymentRun. It fails with models.ConflictError
// when another non-terminal run exists for the same environment and service.
// A run whose ID is already running is resumed: the stored row is kept and
// run.Resumed is set.
func (r *Repository) CreateRun(ctx context.Context, run *models.DeploymentRun) error {
	if run.DeploymentID == "" {
		run.DeploymentID = uuid.NewString()
	}
	record := runFromModel(run)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DeploymentRun
		err := tx.Where("id = ?", run.DeploymentID).First(&existing).Error
		if err == nil {
			if err := resumable(&existing, run); err != nil {
				return err
			}
			record.CreatedAt = existing.CreatedAt
			run.Resumed = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up run: %w", err)
		}

		err = tx.Select("id").Where("active_key = ?", *activeKey(run.Environment, run.ServiceName)).First(&existing).Error
		if err == nil {
			return models.ConflictError{Environment: run.Environment, ServiceName: run.ServiceName, ActiveRunID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check active run: %w", err)
		}
		return tx.Create(record).Error
	})
	if err != nil {
		var conflict models.ConflictError
		var invalid models.ValidationError
		if errors.As(err, &conflict) || errors.As(err, &invalid) || errors.Is(err, ErrStaleState) {
			return err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ConflictError{Environment: run.Environment, ServiceName: run.ServiceName}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = record.CreatedAt
	return nil
}

// resumable checks that a stored run can be picked up again by run
func resumable(existing *DeploymentRun, run *models.DeploymentRun) error {
	if existing.Status != string(models.RunStatusRunning) {
		return fmt.Errorf("run %s already finished as %s: %w", existing.ID, existing.Status, ErrStaleState)
	}
	if existing.Environment != run.Environment || existing.ServiceName != run.ServiceName || existing.Version != run.Version {
		return models.ValidationError{
			Field:  "deploymentId",
			Reason: fmt.Sprintf("run %s deploys %s %s to %s", existing.ID, existing.ServiceName, existing.Version, existing.Environment),
		}
	}
	return nil
}

// GetRun retrieves a run and its gate results
func (r *Repository) GetRun(ctx context.Context, id string) (*models.DeploymentRun, error) {
	var run DeploymentRun

	if err := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run.toModel(), nil
}

// ListRuns returns runs newest first
func (r *Repository) ListRuns(ctx context.Context, filter RunFilter) ([]*models.DeploymentRun, error) {
	var runs []DeploymentRun

	query := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Order("created_at DESC")
	if filter.Environment != "" {
		query = query.Where("environment = ?", filter.Environment)
	}
	if filter.ServiceName != "" {
		query = query.Where("service_name = ?", filter.ServiceName)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*models.DeploymentRun, 0, len(runs))
	for i := range runs {
		out = append(out, runs[i].toModel())
	}
	return out, nil
}

// ActiveRun returns the non-terminal run for a key, or nil
func (r *Repository) ActiveRun(ctx context.Context, env, service string) (*models.DeploymentRun, error) {
	var run DeploymentRun
	err := r.db.WithContext(ctx).Where("active_key = ?", *activeKey(env, service)).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run.toModel(), nil
}

// UpdatePhase records the phase a running run has reached
func (r *Repository) UpdatePhase(ctx context.Context, id, phase string) error {
	if err := r.db.WithContext(ctx).
		Model(&DeploymentRun{}).
		Where("id = ?", id).
		Update("phase", phase).Error; err != nil {
		return fmt.Errorf("failed to update run phase: %w", err)
	}
	return nil
}

// SaveGateResult writes the state of the gate at position seq
func (r *Repository) SaveGateResult(ctx context.Context, id string, seq int, result models.GateExecutionResult) error {
	record := GateResult{
		DeploymentID: id,
		Seq:          seq,
		GateName:     result.GateName,
		Status:       string(result.Status),
		Attempt:      result.Attempt,
		Message:      result.Message,
		StartedAt:    result.StartedAt,
		EndedAt:      result.EndedAt,
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "deployment_id"}, {Name: "seq"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempt", "message", "ended_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to save gate result: %w", err)
	}
	return nil
}

// FinishRun moves a run from running to a terminal status. It returns
// ErrStaleState if the run was no longer running.
func (r *Repository) FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	res := r.db.WithContext(ctx).
		Model(&DeploymentRun{}).
		Where("id = ? AND status = ?", id, string(models.RunStatusRunning)).
		Updates(map[string]interface{}{
			"status":      string(status),
			"phase":       models.PhaseFinished,
			"error":       errMsg,
			"finished_at": finishedAt,
			"active_key":  gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s is not running: %w", id, ErrStaleState)
	}
	return nil
}

// HasSuccessfulRun reports whether version ever completed successfully for a service in env
func (r *Repository) HasSuccessfulRun(ctx context.Context, env, service, version string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&DeploymentRun{}).
		Where("environment = ? AND service_name = ? AND version = ? AND status = ?", env, service, version, string(models.RunStatusSuccess)).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count successful runs: %w", err)
	}
	return count > 0, nil
}

// CountRunsByStatus returns the number of runs in a status
func (r *Repository) CountRunsByStatus(ctx context.Context, status models.RunStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&DeploymentRun{}).
		Where("status = ?", string(status)).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}
