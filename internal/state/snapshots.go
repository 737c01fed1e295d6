package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateSnapshot inserts a snapshot and, in the same transaction, evicts the
// oldest snapshots for the environment and service beyond maxHistory
func (r *Repository) CreateSnapshot(ctx context.Context, snap *models.RollbackSnapshot, maxHistory int) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	record, err := snapshotFromModel(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		if maxHistory <= 0 {
			return nil
		}

		var keep []uint
		if err := tx.Model(&RollbackSnapshot{}).
			Where("environment = ? AND service_name = ?", snap.Environment, snap.ServiceName).
			Order("created_at DESC, id DESC").
			Limit(maxHistory).
			Pluck("id", &keep).Error; err != nil {
			return fmt.Errorf("failed to list retained snapshots: %w", err)
		}

		if err := tx.
			Where("environment = ? AND service_name = ? AND id NOT IN ?", snap.Environment, snap.ServiceName, keep).
			Delete(&RollbackSnapshot{}).Error; err != nil {
			return fmt.Errorf("failed to evict snapshots: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	snap.CreatedAt = record.CreatedAt
	return nil
}

// ListSnapshots returns snapshots for a service in an environment, newest first
func (r *Repository) ListSnapshots(ctx context.Context, env, service string) ([]*models.RollbackSnapshot, error) {
	var records []RollbackSnapshot
	if err := r.db.WithContext(ctx).
		Where("environment = ? AND service_name = ?", env, service).
		Order("created_at DESC, id DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]*models.RollbackSnapshot, 0, len(records))
	for i := range records {
		m, err := records[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %s: %w", records[i].SnapshotID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetSnapshot retrieves a snapshot by ID
func (r *Repository) GetSnapshot(ctx context.Context, id string) (*models.RollbackSnapshot, error) {
	var record RollbackSnapshot
	if err := r.db.WithContext(ctx).First(&record, "snapshot_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return record.toModel()
}

// GetSnapshotForRun returns the snapshot captured at the start of a run
func (r *Repository) GetSnapshotForRun(ctx context.Context, deploymentID string) (*models.RollbackSnapshot, error) {
	var record RollbackSnapshot
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at DESC, id DESC").
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("snapshot for run %s: %w", deploymentID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return record.toModel()
}
