package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
)

// gormPendingActionRepository is the GORM implementation of PendingActionRepository.
type gormPendingActionRepository struct {
	db *gorm.DB
}

// NewPendingActionRepository returns a PendingActionRepository backed by the provided *gorm.DB.
func NewPendingActionRepository(db *gorm.DB) PendingActionRepository {
	return &gormPendingActionRepository{db: db}
}

// Create inserts a new pending action record.
func (r *gormPendingActionRepository) Create(ctx context.Context, action *db.PendingAction) error {
	if err := r.db.WithContext(ctx).Create(action).Error; err != nil {
		return fmt.Errorf("pending_actions: create: %w", err)
	}
	return nil
}

// GetByID retrieves a pending action by its UUID. Returns ErrNotFound if no record exists.
func (r *gormPendingActionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.PendingAction, error) {
	var action db.PendingAction
	err := r.db.WithContext(ctx).First(&action, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pending_actions: get by id: %w", err)
	}
	return &action, nil
}

// Transition moves an action from one status to another, guarded by the
// current status so concurrent decisions cannot both succeed. Returns
// ErrNotFound if the action does not exist and ErrConflict if it exists but
// is no longer in the expected status.
func (r *gormPendingActionRepository) Transition(ctx context.Context, id uuid.UUID, from, to, decidedBy string, decidedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.PendingAction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":     to,
			"decided_by": decidedBy,
			"decided_at": decidedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("pending_actions: transition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// MarkExecuted moves an approved action to executed and stores the serialized
// outcome. Same conflict semantics as Transition.
func (r *gormPendingActionRepository) MarkExecuted(ctx context.Context, id uuid.UUID, executedAt time.Time, resultJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.PendingAction{}).
		Where("id = ? AND status = ?", id, db.ActionApproved).
		Updates(map[string]any{
			"status":      db.ActionExecuted,
			"executed_at": executedAt,
			"result":      resultJSON,
		})
	if result.Error != nil {
		return fmt.Errorf("pending_actions: mark executed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ExpireOlderThan moves every pending action whose deadline has passed to
// expired, in one statement, and reports how many rows changed.
func (r *gormPendingActionRepository) ExpireOlderThan(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.PendingAction{}).
		Where("status = ? AND expires_at <= ?", db.ActionPending, now).
		Update("status", db.ActionExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("pending_actions: expire: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns a paginated list of actions and the total count, newest first.
func (r *gormPendingActionRepository) List(ctx context.Context, opts ListOptions) ([]db.PendingAction, int64, error) {
	var actions []db.PendingAction
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.PendingAction{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("pending_actions: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&actions).Error; err != nil {
		return nil, 0, fmt.Errorf("pending_actions: list: %w", err)
	}

	return actions, total, nil
}

// ListByDatabase returns a paginated list of one database's actions, newest first.
func (r *gormPendingActionRepository) ListByDatabase(ctx context.Context, databaseID uuid.UUID, opts ListOptions) ([]db.PendingAction, int64, error) {
	var actions []db.PendingAction
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.PendingAction{}).
		Where("database_id = ?", databaseID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("pending_actions: list by database count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("database_id = ?", databaseID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&actions).Error; err != nil {
		return nil, 0, fmt.Errorf("pending_actions: list by database: %w", err)
	}

	return actions, total, nil
}

// ListByStatus returns a paginated list of actions in one status, newest first.
func (r *gormPendingActionRepository) ListByStatus(ctx context.Context, status string, opts ListOptions) ([]db.PendingAction, int64, error) {
	var actions []db.PendingAction
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.PendingAction{}).
		Where("status = ?", status).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("pending_actions: list by status count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&actions).Error; err != nil {
		return nil, 0, fmt.Errorf("pending_actions: list by status: %w", err)
	}

	return actions, total, nil
}
