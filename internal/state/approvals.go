package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalFilter narrows ListApprovals
type ApprovalFilter struct {
	Environment string
	ServiceName string
	Status      models.ApprovalStatus
	Limit       int
}

// CreateApproval inserts a request unless one already exists for the same
// run and gate, in which case the existing request is returned
func (r *Repository) CreateApproval(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	if existing, err := r.FindApproval(ctx, req.DeploymentID, req.GateName); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	record, err := approvalFromModel(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return r.FindApproval(ctx, req.DeploymentID, req.GateName)
		}
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return record.toModel()
}

// GetApproval retrieves a request by ID
func (r *Repository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var record ApprovalRequest
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return record.toModel()
}

// FindApproval retrieves the request for a run's gate
func (r *Repository) FindApproval(ctx context.Context, deploymentID, gate string) (*models.ApprovalRequest, error) {
	var record ApprovalRequest
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND gate_name = ?", deploymentID, gate).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval for %s/%s: %w", deploymentID, gate, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find approval: %w", err)
	}
	return record.toModel()
}

// ListApprovals returns requests newest first
func (r *Repository) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalRequest, error) {
	var records []ApprovalRequest

	query := r.db.WithContext(ctx).Order("created_at DESC")
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
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	out := make([]*models.ApprovalRequest, 0, len(records))
	for i := range records {
		m, err := records[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("failed to decode approval %s: %w", records[i].ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// CompareAndSwapApproval persists req if the stored revision still equals
// req.Revision, then increments req.Revision. It returns ErrStaleState when
// another writer got there first.
func (r *Repository) CompareAndSwapApproval(ctx context.Context, req *models.ApprovalRequest) error {
	record, err := approvalFromModel(req)
	if err != nil {
		return fmt.Errorf("failed to encode approval: %w", err)
	}

	res := r.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("id = ? AND revision = ?", req.RequestID, req.Revision).
		Updates(map[string]interface{}{
			"approvals":   record.Approvals,
			"rejections":  record.Rejections,
			"status":      record.Status,
			"reason":      record.Reason,
			"resolved_at": record.ResolvedAt,
			"revision":    req.Revision + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update approval: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("approval %s revision %d: %w", req.RequestID, req.Revision, ErrStaleState)
	}

	req.Revision++
	return nil
}

// HasValidApproval reports whether version was approved for a service in env since notBefore
func (r *Repository) HasValidApproval(ctx context.Context, env, service, version string, notBefore time.Time) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("environment = ? AND service_name = ? AND version = ? AND status = ? AND resolved_at >= ?",
			env, service, version, string(models.ApprovalApproved), notBefore).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count approvals: %w", err)
	}
	return count > 0, nil
}
