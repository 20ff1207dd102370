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

// gormAgentTokenRepository is the GORM implementation of AgentTokenRepository.
type gormAgentTokenRepository struct {
	db *gorm.DB
}

// NewAgentTokenRepository returns an AgentTokenRepository backed by the provided *gorm.DB.
func NewAgentTokenRepository(db *gorm.DB) AgentTokenRepository {
	return &gormAgentTokenRepository{db: db}
}

// Create inserts a new agent token record.
func (r *gormAgentTokenRepository) Create(ctx context.Context, token *db.AgentToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("agent_tokens: create: %w", err)
	}
	return nil
}

// GetByID retrieves a token by its UUID. Returns ErrNotFound if no record exists.
func (r *gormAgentTokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentToken, error) {
	var token db.AgentToken
	err := r.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_tokens: get by id: %w", err)
	}
	return &token, nil
}

// GetByFingerprint retrieves a token by the SHA-256 fingerprint of its raw
// value. This is the hot path of every tunnel handshake.
// Returns ErrNotFound if no record exists.
func (r *gormAgentTokenRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*db.AgentToken, error) {
	var token db.AgentToken
	err := r.db.WithContext(ctx).First(&token, "token_fingerprint = ?", fingerprint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_tokens: get by fingerprint: %w", err)
	}
	return &token, nil
}

// Touch updates only the last_used_at column. Called on every successful
// handshake, so it deliberately avoids rewriting the full row.
func (r *gormAgentTokenRepository) Touch(ctx context.Context, id uuid.UUID, lastUsedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("id = ?", id).
		Update("last_used_at", lastUsedAt)
	if result.Error != nil {
		return fmt.Errorf("agent_tokens: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke stamps revoked_at on a token. Revoking a token that is already
// revoked is a no-op, so the original revocation time is preserved.
// Returns ErrNotFound if no record exists.
func (r *gormAgentTokenRepository) Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", revokedAt)
	if result.Error != nil {
		return fmt.Errorf("agent_tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a token record. Returns ErrNotFound if no record exists.
func (r *gormAgentTokenRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.AgentToken{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("agent_tokens: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByDatabase returns all tokens issued for one database, newest first.
// A database carries at most a handful of tokens, so no pagination.
func (r *gormAgentTokenRepository) ListByDatabase(ctx context.Context, databaseID uuid.UUID) ([]db.AgentToken, error) {
	var tokens []db.AgentToken
	if err := r.db.WithContext(ctx).
		Where("database_id = ?", databaseID).
		Order("created_at DESC").
		Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("agent_tokens: list by database: %w", err)
	}
	return tokens, nil
}
