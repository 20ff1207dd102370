package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gatelink-io/gatelink/internal/gateway/auth"
	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
)

// newSeedCmd bootstraps a fresh install: one tenant, one database record and
// one agent token, printed exactly once. Everything after that goes through
// the platform API.
func newSeedCmd(cfg *config) *cobra.Command {
	var (
		tenantName string
		dbName     string
		label      string
		expiresIn  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a tenant, a database record and an agent token",
		Long: `Seed creates the minimum records a fresh gateway needs before the first
agent can connect: a tenant, a database entry under it, and an agent token
bound to that database. The raw token is printed once and never stored.

An existing tenant with the same name is reused, so running seed twice adds
a second database to the tenant rather than failing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantName == "" {
				return fmt.Errorf("--tenant is required")
			}
			if dbName == "" {
				return fmt.Errorf("--database is required")
			}
			return seed(cmd.Context(), cfg, tenantName, dbName, label, expiresIn)
		},
	}

	cmd.Flags().StringVar(&tenantName, "tenant", "", "Tenant name (required)")
	cmd.Flags().StringVar(&dbName, "database", "", "Database display name (required)")
	cmd.Flags().StringVar(&label, "label", "seed", "Label stored with the agent token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Token validity window, 0 means no expiry")

	return cmd
}

func seed(ctx context.Context, cfg *config, tenantName, dbName, label string, expiresIn time.Duration) error {
	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or GATELINK_SECRET_KEY")
	}
	if err := db.InitEncryption(deriveKey(cfg.secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	tenants := repositories.NewTenantRepository(database)
	databases := repositories.NewDatabaseRepository(database)
	tokens := repositories.NewAgentTokenRepository(database)

	tenant, err := tenants.GetByName(ctx, tenantName)
	switch {
	case err == nil:
		fmt.Printf("• Reusing existing tenant %q\n", tenant.Name)
	case errors.Is(err, repositories.ErrNotFound):
		tenant = &db.Tenant{Name: tenantName, IsActive: true}
		if err := tenants.Create(ctx, tenant); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
	default:
		return fmt.Errorf("look up tenant: %w", err)
	}

	record := &db.Database{
		TenantID: tenant.ID,
		Name:     dbName,
		Mode:     "auto",
	}
	if err := databases.Create(ctx, record); err != nil {
		return fmt.Errorf("create database record: %w", err)
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	hash, err := auth.HashToken(raw)
	if err != nil {
		return err
	}
	token := &db.AgentToken{
		DatabaseID:       record.ID,
		TokenFingerprint: auth.Fingerprint(raw),
		TokenHash:        hash,
		Label:            label,
	}
	if expiresIn > 0 {
		expiry := time.Now().Add(expiresIn)
		token.ExpiresAt = &expiry
	}
	if err := tokens.Create(ctx, token); err != nil {
		return fmt.Errorf("create agent token: %w", err)
	}

	fmt.Printf("✓ Seeded\n")
	fmt.Printf("  Tenant:   %s (%s)\n", tenant.Name, tenant.ID)
	fmt.Printf("  Database: %s (%s)\n", record.Name, record.ID)
	fmt.Printf("  Token:    %s\n", raw)
	if token.ExpiresAt != nil {
		fmt.Printf("  Expires:  %s\n", token.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("\nThe raw token is shown once and not stored. Configure the agent with:\n")
	fmt.Printf("  GATELINK_GATEWAY_TOKEN=%s\n", raw)

	return nil
}

// newMintCmd signs a service token for a platform caller. The gateway only
// verifies these; something has to mint them, and that something is here.
func newMintCmd(cfg *config) *cobra.Command {
	var (
		service string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint-service-token",
		Short: "Mint a bearer token for a platform service calling /api/v1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service == "" {
				return fmt.Errorf("--service is required")
			}
			st := auth.NewServiceTokens(cfg.apiSecret, "gatelink")
			if st == nil {
				return fmt.Errorf("api secret is required — set --api-secret or GATELINK_API_SECRET")
			}
			token, err := st.Mint(service, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Name of the calling service, recorded as requested_by on actions (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, 0 means the 24h default")

	return cmd
}
