package state

import (
	"context"
	"fmt"
)

// CreateDeploymentLog appends an audit entry
func (r *Repository) CreateDeploymentLog(ctx context.Context, entry *DeploymentLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create deployment log: %w", err)
	}
	return nil
}

// ListDeploymentLogs returns a run's audit entries oldest first
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string, limit int) ([]DeploymentLog, error) {
	var logs []DeploymentLog
	query := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	return logs, nil
}
