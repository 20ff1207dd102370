package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

// ErrTenantSuspended means the token chain is intact but the owning tenant is
// deactivated. Verdict reports it as a plain rejection; agents do not learn
// about tenant state.
var ErrTenantSuspended = errors.New("auth: tenant suspended")

// Store is the database-backed Authenticator used in production. Tokens are
// resolved by fingerprint and stamped with their last use on success.
type Store struct {
	tokens    repositories.AgentTokenRepository
	databases repositories.DatabaseRepository
	tenants   repositories.TenantRepository
	logger    *zap.Logger
	clock     clockwork.Clock
}

// StoreConfig wires the repositories the Store reads from.
type StoreConfig struct {
	Tokens    repositories.AgentTokenRepository
	Databases repositories.DatabaseRepository
	Tenants   repositories.TenantRepository
	Logger    *zap.Logger
	Clock     clockwork.Clock
}

// NewStore returns a Store backed by the given repositories.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		tokens:    cfg.Tokens,
		databases: cfg.Databases,
		tenants:   cfg.Tenants,
		logger:    logger.Named("auth"),
		clock:     clock,
	}
}

// Authenticate resolves the presented gateway token to the database and
// tenant it was issued for. The whole chain must hold: the token exists, is
// neither revoked nor expired, its database still exists, and the tenant is
// active. On success last_used_at is stamped best-effort; a failure there is
// logged but never blocks the handshake.
func (s *Store) Authenticate(ctx context.Context, req *protocol.AuthRequest) (Identity, error) {
	token, err := s.tokens.GetByFingerprint(ctx, Fingerprint(req.GatewayToken))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Identity{}, ErrTokenUnknown
		}
		return Identity{}, fmt.Errorf("auth: resolving token: %w", err)
	}
	if !VerifyTokenHash(token.TokenHash, req.GatewayToken) {
		return Identity{}, ErrTokenUnknown
	}

	now := s.clock.Now()
	if token.RevokedAt != nil {
		return Identity{}, ErrTokenRevoked
	}
	if token.ExpiresAt != nil && now.After(*token.ExpiresAt) {
		return Identity{}, ErrTokenExpired
	}

	database, err := s.databases.GetByID(ctx, token.DatabaseID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// The token outlived its database; treat it as dead.
			return Identity{}, ErrTokenUnknown
		}
		return Identity{}, fmt.Errorf("auth: resolving database: %w", err)
	}

	tenant, err := s.tenants.GetByID(ctx, database.TenantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Identity{}, ErrTokenUnknown
		}
		return Identity{}, fmt.Errorf("auth: resolving tenant: %w", err)
	}
	if !tenant.IsActive {
		return Identity{}, ErrTenantSuspended
	}

	if err := s.tokens.Touch(ctx, token.ID, now); err != nil {
		s.logger.Warn("recording token use failed",
			zap.String("token_id", token.ID.String()),
			zap.Error(err),
		)
	}

	return Identity{
		DatabaseID:   database.ID.String(),
		DatabaseName: database.Name,
		TenantID:     database.TenantID.String(),
	}, nil
}
