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

// OpenIncident records an active incident
func (r *Repository) OpenIncident(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	inc.Active = true

	record := &Incident{
		ID:          inc.ID,
		Environment: inc.Environment,
		ServiceName: inc.ServiceName,
		Title:       inc.Title,
		OpenedBy:    inc.OpenedBy,
		Active:      true,
		OpenedAt:    inc.OpenedAt,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to open incident: %w", err)
	}
	return nil
}

// ResolveIncident clears an incident's active flag
func (r *Repository) ResolveIncident(ctx context.Context, id string, resolvedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&Incident{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{"active": false, "resolved_at": resolvedAt})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve incident: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("active incident %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveIncident returns the oldest active incident for a service in env, or nil
func (r *Repository) ActiveIncident(ctx context.Context, env, service string) (*models.Incident, error) {
	var record Incident
	err := r.db.WithContext(ctx).
		Where("environment = ? AND service_name = ? AND active = ?", env, service, true).
		Order("opened_at ASC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active incident: %w", err)
	}
	return record.toModel(), nil
}

// ListIncidents returns incidents newest first, optionally only active ones
func (r *Repository) ListIncidents(ctx context.Context, env string, activeOnly bool) ([]*models.Incident, error) {
	var records []Incident
	query := r.db.WithContext(ctx).Order("opened_at DESC")
	if env != "" {
		query = query.Where("environment = ?", env)
	}
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	out := make([]*models.Incident, 0, len(records))
	for i := range records {
		out = append(out, records[i].toModel())
	}
	return out, nil
}
