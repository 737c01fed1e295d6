package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDuplicate is returned when a unique field is already taken
var ErrDuplicate = errors.New("already exists")

// CreateOperator inserts an operator account
func (r *Repository) CreateOperator(ctx context.Context, op *Operator) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("operator %s: %w", op.Username, ErrDuplicate)
		}
		return fmt.Errorf("failed to create operator: %w", err)
	}
	return nil
}

// GetOperator returns an operator by ID
func (r *Repository) GetOperator(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	if err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("operator %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &op, nil
}

// GetOperatorByUsername returns an operator by username
func (r *Repository) GetOperatorByUsername(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("operator %s: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &op, nil
}

// CreateAPIKey stores a hashed API key
func (r *Repository) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// FindAPIKey returns the active key with the given hash and stamps its last use
func (r *Repository) FindAPIKey(ctx context.Context, keyHash string, now time.Time) (*APIKey, error) {
	var key APIKey
	err := r.db.WithContext(ctx).Where("key_hash = ? AND active = ?", keyHash, true).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find API key: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&key).Update("last_used", now).Error; err != nil {
		return nil, fmt.Errorf("failed to touch API key: %w", err)
	}
	key.LastUsed = &now
	return &key, nil
}

// ListAPIKeys returns an operator's active keys, newest first
func (r *Repository) ListAPIKeys(ctx context.Context, operatorID string) ([]APIKey, error) {
	var keys []APIKey
	err := r.db.WithContext(ctx).
		Where("operator_id = ? AND active = ?", operatorID, true).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey deactivates one of an operator's keys
func (r *Repository) RevokeAPIKey(ctx context.Context, operatorID, id string) error {
	res := r.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ? AND operator_id = ? AND active = ?", id, operatorID, true).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to revoke API key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// isUniqueViolation covers drivers that do not translate constraint errors
func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
