package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gatelink-io/gatelink/internal/gateway/actions"
	"github.com/gatelink-io/gatelink/internal/gateway/api"
	"github.com/gatelink-io/gatelink/internal/gateway/auth"
	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/direct"
	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
	"github.com/gatelink-io/gatelink/internal/gateway/router"
	"github.com/gatelink-io/gatelink/internal/gateway/session"
	"github.com/gatelink-io/gatelink/internal/gateway/tunnel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	// sweepInterval is the liveness sweep cadence; half the default stale
	// window divided by three missed heartbeats.
	sweepInterval = 15 * time.Second

	shutdownTimeout = 10 * time.Second
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	secretKey         string
	apiSecret         string
	heartbeatInterval int
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "gatelink-gateway",
		Short: "GateLink gateway — SaaS-side tunnel terminator and platform API",
		Long: `GateLink gateway accepts persistent WebSocket tunnels from on-premise
agents, routes SQL queries, local API calls and employee lookups to them,
and exposes the platform REST API the SaaS services call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSeedCmd(cfg))
	root.AddCommand(newMintCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GATELINK_HTTP_ADDR", ":8080"), "HTTP listen address (platform API, /tunnel, /metrics)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GATELINK_DB_DRIVER", "sqlite"), "Control-plane database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GATELINK_DB_DSN", "./gatelink.db"), "Control-plane DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("GATELINK_SECRET_KEY", ""), "Master secret for encrypting stored credentials (required; the AES key is derived from it)")
	root.PersistentFlags().StringVar(&cfg.apiSecret, "api-secret", envOrDefault("GATELINK_API_SECRET", ""), "Shared secret for platform service tokens; empty disables /api/v1 auth")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envIntOrDefault("GATELINK_HEARTBEAT_INTERVAL", 30), "Heartbeat cadence in seconds assigned to agents at handshake")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GATELINK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatelink-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or GATELINK_SECRET_KEY")
	}

	logger.Info("starting gatelink gateway",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := db.InitEncryption(deriveKey(cfg.secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("open control-plane database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql.DB: %w", err)
	}
	defer sqlDB.Close()

	tenants := repositories.NewTenantRepository(database)
	databases := repositories.NewDatabaseRepository(database)
	tokens := repositories.NewAgentTokenRepository(database)
	pending := repositories.NewPendingActionRepository(database)

	m := metrics.New()

	registry := session.NewRegistry(session.RegistryConfig{
		Logger:  logger,
		Metrics: m,
	})

	monitor, err := session.NewMonitor(registry, sweepInterval, logger, m)
	if err != nil {
		return err
	}
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop() //nolint:errcheck

	pool := direct.NewPool(logger)
	defer pool.Close() //nolint:errcheck

	qrouter := router.New(router.Config{
		Targets:  repositories.NewTargetResolver(databases),
		Registry: registry,
		Direct:   pool,
		Logger:   logger,
		Metrics:  m,
	})

	actionSvc, err := actions.New(actions.Config{
		Actions:   pending,
		Databases: databases,
		Executor:  qrouter,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := actionSvc.Start(); err != nil {
		return err
	}
	defer actionSvc.Stop() //nolint:errcheck

	endpoint := tunnel.NewEndpoint(tunnel.Config{
		Authenticator: auth.NewStore(auth.StoreConfig{
			Tokens:    tokens,
			Databases: databases,
			Tenants:   tenants,
			Logger:    logger,
		}),
		Registry:          registry,
		HeartbeatInterval: time.Duration(cfg.heartbeatInterval) * time.Second,
		Logger:            logger,
		Metrics:           m,
	})

	handler := api.NewRouter(api.RouterConfig{
		ServiceTokens: auth.NewServiceTokens(cfg.apiSecret, "gatelink"),
		Tunnel:        http.HandlerFunc(endpoint.ServeTunnel),
		Router:        qrouter,
		Actions:       actionSvc,
		Registry:      registry,
		Pool:          pool,
		Metrics:       m,
		Logger:        logger,
		Tenants:       tenants,
		Databases:     databases,
		Tokens:        tokens,
		Pending:       pending,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gatelink gateway")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}

	logger.Info("gatelink gateway stopped")
	return nil
}

// deriveKey turns the operator-supplied secret into the 32-byte AES key,
// so the secret itself is not length-constrained.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// gormLogLevel keeps GORM quiet unless the process runs at debug.
func gormLogLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
