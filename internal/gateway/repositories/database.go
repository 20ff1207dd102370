package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
)

// gormDatabaseRepository is the GORM implementation of DatabaseRepository.
type gormDatabaseRepository struct {
	db *gorm.DB
}

// NewDatabaseRepository returns a DatabaseRepository backed by the provided *gorm.DB.
func NewDatabaseRepository(db *gorm.DB) DatabaseRepository {
	return &gormDatabaseRepository{db: db}
}

// Create inserts a new database record.
func (r *gormDatabaseRepository) Create(ctx context.Context, database *db.Database) error {
	if err := r.db.WithContext(ctx).Create(database).Error; err != nil {
		return fmt.Errorf("databases: create: %w", err)
	}
	return nil
}

// GetByID retrieves a database by its UUID. Returns ErrNotFound if no record exists.
func (r *gormDatabaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Database, error) {
	var database db.Database
	err := r.db.WithContext(ctx).First(&database, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("databases: get by id: %w", err)
	}
	return &database, nil
}

// Update persists all fields of an existing database record.
func (r *gormDatabaseRepository) Update(ctx context.Context, database *db.Database) error {
	result := r.db.WithContext(ctx).Save(database)
	if result.Error != nil {
		return fmt.Errorf("databases: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a database record along with its agent tokens, so a token
// for a deleted database can never authenticate again.
func (r *gormDatabaseRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.AgentToken{}, "database_id = ?", id).Error; err != nil {
			return fmt.Errorf("databases: delete tokens: %w", err)
		}
		result := tx.Delete(&db.Database{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("databases: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns a paginated list of databases and the total count.
func (r *gormDatabaseRepository) List(ctx context.Context, opts ListOptions) ([]db.Database, int64, error) {
	var databases []db.Database
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Database{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("databases: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&databases).Error; err != nil {
		return nil, 0, fmt.Errorf("databases: list: %w", err)
	}

	return databases, total, nil
}

// ListByTenant returns a paginated list of one tenant's databases and the
// total count for that tenant.
func (r *gormDatabaseRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Database, int64, error) {
	var databases []db.Database
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Database{}).
		Where("tenant_id = ?", tenantID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("databases: list by tenant count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&databases).Error; err != nil {
		return nil, 0, fmt.Errorf("databases: list by tenant: %w", err)
	}

	return databases, total, nil
}
