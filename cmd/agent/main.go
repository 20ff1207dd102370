package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/agent/connection"
	"github.com/gatelink-io/gatelink/internal/agent/executor"
	"github.com/gatelink-io/gatelink/internal/agent/health"
	"github.com/gatelink-io/gatelink/internal/agent/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "gatelink-agent",
		Short: "GateLink agent — on-premise connector for the GateLink gateway",
		Long: `GateLink agent runs inside the customer network, dials out to the
GateLink gateway over a single WebSocket tunnel, and executes the SQL
queries, local API calls and employee lookups the gateway forwards to it.

Configuration is layered: environment variables override a .env file,
which overrides the YAML config file, which overrides built-in defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", envOrDefault("GATELINK_CONFIG", ""), "Path to the YAML config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatelink-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting gatelink agent",
		zap.String("version", version),
		zap.String("saas_url", cfg.Transport.SaaSURL),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("api_base_url", cfg.LocalAPI.BaseURL),
		zap.String("log_level", cfg.Logging.Level),
	)

	if !cfg.Database.Configured() {
		logger.Warn("no local database configured; SQL queries will be answered with connection_error")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sqlExec := executor.NewSQLExecutor(cfg.Database, logger)
	defer sqlExec.Close() //nolint:errcheck
	apiExec := executor.NewAPIExecutor(cfg.LocalAPI, logger)
	employees := executor.NewEmployeeExecutor(sqlExec, cfg.Employees, logger)
	dispatcher := executor.NewDispatcher(sqlExec, apiExec, employees, logger)

	monitor := health.New(health.Config{
		DB:             sqlExec,
		API:            apiExec,
		DiscoveryPorts: cfg.LocalAPI.DiscoveryPorts,
		Logger:         logger,
	})

	manager := connection.New(connection.Config{
		Transport: cfg.Transport,
		Version:   version,
	}, dispatcher, monitor, logger)

	// Backend probes run alongside the tunnel; status changes reach the
	// gateway through the manager.
	go monitor.Run(ctx, manager)

	if err := manager.Run(ctx); err != nil {
		return err
	}

	logger.Info("gatelink agent stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
