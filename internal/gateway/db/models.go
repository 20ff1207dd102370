package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) so primary key order matches insertion
// order without a separate created_at sort. CreatedAt and UpdatedAt are
// managed by GORM. The type must be exported: GORM's schema parser skips
// unexported embedded structs, leaving these columns out of every statement.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Tenants
// -----------------------------------------------------------------------------

// Tenant is one platform customer. Databases and their agent tokens hang off
// a tenant; disabling the tenant disables every tunnel it owns.
type Tenant struct {
	Base
	Name     string `gorm:"uniqueIndex;not null"`
	IsActive bool   `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// Databases
// -----------------------------------------------------------------------------

// Database is one customer database reachable through the gateway. Mode
// selects the routing path. The direct-connection fields are consulted only
// for auto and direct_only databases; Password is encrypted at rest.
//
// Association fields are intentionally absent. GORM cannot resolve foreign
// keys when the primary key is uuid.UUID (a custom type), so related records
// are loaded with explicit queries in the repositories layer.
type Database struct {
	Base
	TenantID uuid.UUID `gorm:"type:text;not null;index"`
	Name     string    `gorm:"not null"`
	Mode     string    `gorm:"not null;default:'auto'"` // "auto", "gateway_only", "direct_only"

	Driver         string          `gorm:"not null;default:''"` // "sqlserver", "postgres", "sqlite"
	Host           string          `gorm:"not null;default:''"`
	Port           int             `gorm:"not null;default:0"`
	DatabaseName   string          `gorm:"not null;default:''"`
	Username       string          `gorm:"not null;default:''"`
	Password       EncryptedString `gorm:"type:text"`
	UseWindowsAuth bool            `gorm:"not null;default:false"`
	ConnectTimeout int             `gorm:"not null;default:10"` // seconds

	QueryTimeout int `gorm:"not null;default:30"` // seconds, per request
	MaxRows      int `gorm:"not null;default:1000"`
}

// HasDirectConfig reports whether the record carries enough settings for the
// gateway-side direct path.
func (d *Database) HasDirectConfig() bool {
	if d.Driver == "" {
		return false
	}
	if d.Driver == "sqlite" {
		return d.DatabaseName != ""
	}
	return d.Host != "" && d.DatabaseName != ""
}

// -----------------------------------------------------------------------------
// Agent tokens
// -----------------------------------------------------------------------------

// AgentToken is a credential an agent presents during the tunnel handshake.
// The raw token is shown to the operator once at creation and never
// persisted: lookups go through the SHA-256 fingerprint and the raw value is
// then verified against the bcrypt hash.
type AgentToken struct {
	Base
	DatabaseID       uuid.UUID `gorm:"type:text;not null;index"`
	TokenFingerprint string    `gorm:"not null;uniqueIndex"`
	TokenHash        string    `gorm:"not null"`
	Label            string    `gorm:"not null;default:''"`
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
	LastUsedAt       *time.Time
}

// -----------------------------------------------------------------------------
// Pending actions
// -----------------------------------------------------------------------------

// Pending action statuses. Transitions are monotonic:
// pending -> approved | rejected | expired, and approved -> executed.
const (
	ActionPending  = "pending"
	ActionApproved = "approved"
	ActionRejected = "rejected"
	ActionExpired  = "expired"
	ActionExecuted = "executed"
)

// Pending action types.
const (
	ActionTypeAPICall  = "api_call"
	ActionTypeSQLWrite = "sql_write"
)

// PendingAction queues a side-effecting operation (door commands, write
// statements) for operator approval before it is released to an agent.
type PendingAction struct {
	Base
	DatabaseID  uuid.UUID `gorm:"type:text;not null;index"`
	RequestedBy string    `gorm:"not null;default:''"`
	ActionType  string    `gorm:"not null"`                         // "api_call", "sql_write"
	Payload     string    `gorm:"type:text;not null;default:'{}'"`  // JSON, request parameters
	Status      string    `gorm:"not null;default:'pending';index"` // see Action* constants
	ExpiresAt   time.Time `gorm:"not null;index"`
	DecidedBy   string    `gorm:"not null;default:''"`
	DecidedAt   *time.Time
	ExecutedAt  *time.Time
	Result      string `gorm:"type:text;not null;default:''"` // JSON outcome, set once executed
}
