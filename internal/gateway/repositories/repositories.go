package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// TenantRepository
// -----------------------------------------------------------------------------

type TenantRepository interface {
	Create(ctx context.Context, tenant *db.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetByName(ctx context.Context, name string) (*db.Tenant, error)
	Update(ctx context.Context, tenant *db.Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Tenant, int64, error)
}

// -----------------------------------------------------------------------------
// DatabaseRepository
// -----------------------------------------------------------------------------

type DatabaseRepository interface {
	Create(ctx context.Context, database *db.Database) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Database, error)
	Update(ctx context.Context, database *db.Database) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Database, int64, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Database, int64, error)
}

// -----------------------------------------------------------------------------
// AgentTokenRepository
// -----------------------------------------------------------------------------

type AgentTokenRepository interface {
	Create(ctx context.Context, token *db.AgentToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AgentToken, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*db.AgentToken, error)
	Touch(ctx context.Context, id uuid.UUID, lastUsedAt time.Time) error
	Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDatabase(ctx context.Context, databaseID uuid.UUID) ([]db.AgentToken, error)
}

// -----------------------------------------------------------------------------
// PendingActionRepository
// -----------------------------------------------------------------------------

type PendingActionRepository interface {
	Create(ctx context.Context, action *db.PendingAction) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.PendingAction, error)

	// Transition moves an action from one status to another and records who
	// decided and when. The update is conditional on the current status, so
	// two concurrent decisions cannot both win; the loser gets ErrConflict.
	Transition(ctx context.Context, id uuid.UUID, from, to, decidedBy string, decidedAt time.Time) error

	// MarkExecuted moves an approved action to executed and stores the
	// serialized outcome. Returns ErrConflict if the action is not approved.
	MarkExecuted(ctx context.Context, id uuid.UUID, executedAt time.Time, result string) error

	// ExpireOlderThan moves every pending action whose deadline has passed to
	// expired and reports how many rows changed.
	ExpireOlderThan(ctx context.Context, now time.Time) (int64, error)

	List(ctx context.Context, opts ListOptions) ([]db.PendingAction, int64, error)
	ListByDatabase(ctx context.Context, databaseID uuid.UUID, opts ListOptions) ([]db.PendingAction, int64, error)
	ListByStatus(ctx context.Context, status string, opts ListOptions) ([]db.PendingAction, int64, error)
}
