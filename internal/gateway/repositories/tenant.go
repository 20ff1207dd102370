package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
)

// gormTenantRepository is the GORM implementation of TenantRepository.
type gormTenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository returns a TenantRepository backed by the provided *gorm.DB.
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &gormTenantRepository{db: db}
}

// Create inserts a new tenant record into the database.
func (r *gormTenantRepository) Create(ctx context.Context, tenant *db.Tenant) error {
	if err := r.db.WithContext(ctx).Create(tenant).Error; err != nil {
		return fmt.Errorf("tenants: create: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	var tenant db.Tenant
	err := r.db.WithContext(ctx).First(&tenant, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenants: get by id: %w", err)
	}
	return &tenant, nil
}

// GetByName retrieves a tenant by its unique name.
// Returns ErrNotFound if no record exists.
func (r *gormTenantRepository) GetByName(ctx context.Context, name string) (*db.Tenant, error) {
	var tenant db.Tenant
	err := r.db.WithContext(ctx).First(&tenant, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenants: get by name: %w", err)
	}
	return &tenant, nil
}

// Update persists all fields of an existing tenant record.
func (r *gormTenantRepository) Update(ctx context.Context, tenant *db.Tenant) error {
	result := r.db.WithContext(ctx).Save(tenant)
	if result.Error != nil {
		return fmt.Errorf("tenants: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a tenant record. Returns ErrNotFound if no record exists.
func (r *gormTenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Tenant{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("tenants: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of tenants and the total count.
func (r *gormTenantRepository) List(ctx context.Context, opts ListOptions) ([]db.Tenant, int64, error) {
	var tenants []db.Tenant
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Tenant{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tenants: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tenants).Error; err != nil {
		return nil, 0, fmt.Errorf("tenants: list: %w", err)
	}

	return tenants, total, nil
}
