// Package config loads the agent's layered configuration.
//
// Precedence, highest first: process environment, .env file (via godotenv,
// which never overrides real environment variables), YAML config file,
// built-in defaults. The agent runs on customer machines, so every knob is
// reachable without a config file — a bare GATELINK_SAAS_URL plus
// GATELINK_GATEWAY_TOKEN is a working deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

// Config holds all agent configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Database  DatabaseConfig  `yaml:"database"`
	LocalAPI  LocalAPIConfig  `yaml:"local_api"`
	Employees EmployeeConfig  `yaml:"employees"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig controls the tunnel to the gateway. Intervals and delays
// are in seconds, matching the wire protocol's units.
type TransportConfig struct {
	// SaaSURL is the gateway's tunnel endpoint, ws:// or wss://.
	SaaSURL string `yaml:"saas_url"`

	// GatewayToken is the credential presented in the AUTH_REQUEST frame.
	GatewayToken string `yaml:"gateway_token"`

	HeartbeatInterval int `yaml:"heartbeat_interval"`
	ReconnectDelay    int `yaml:"reconnect_delay"`
	ReconnectMaxDelay int `yaml:"reconnect_max_delay"`

	// MaxReconnectAttempts caps consecutive failed connection attempts.
	// Zero means retry forever.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// SSLVerify controls TLS certificate verification on wss:// dials.
	// Disable only for self-signed lab gateways.
	SSLVerify bool `yaml:"ssl_verify"`
}

// DatabaseConfig describes the on-prem database the agent fronts. Timeouts
// are in seconds.
type DatabaseConfig struct {
	Driver            string `yaml:"driver"` // sqlserver, postgres, sqlite
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Database          string `yaml:"database"` // file path for sqlite
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	UseWindowsAuth    bool   `yaml:"use_windows_auth"`
	ConnectionTimeout int    `yaml:"connection_timeout"`
	QueryTimeout      int    `yaml:"query_timeout"`
}

// Configured reports whether a local database is set up at all. An agent can
// legitimately run API-only.
func (d DatabaseConfig) Configured() bool {
	if d.Driver == "" {
		return false
	}
	if strings.EqualFold(d.Driver, "sqlite") {
		return d.Database != ""
	}
	return d.Host != "" && d.Database != ""
}

// SQLConfig maps the section onto the shared DSN builder's input.
func (d DatabaseConfig) SQLConfig() sqlutil.Config {
	return sqlutil.Config{
		Driver:         d.Driver,
		Host:           d.Host,
		Port:           d.Port,
		Database:       d.Database,
		Username:       d.Username,
		Password:       d.Password,
		UseWindowsAuth: d.UseWindowsAuth,
		ConnectTimeout: time.Duration(d.ConnectionTimeout) * time.Second,
	}
}

// LocalAPIConfig describes the optional on-prem HTTP endpoint the agent can
// forward API_REQUEST frames to.
type LocalAPIConfig struct {
	// BaseURL is the endpoint root. When empty the agent may attempt
	// discovery over DiscoveryPorts before reporting NOT_CONFIGURED.
	BaseURL string `yaml:"base_url"`

	// AuthType selects how AuthToken is attached: "bearer" (Authorization
	// header), "api_key" (X-API-Key header) or "" for none.
	AuthType  string `yaml:"auth_type"`
	AuthToken string `yaml:"auth_token"`

	// DiscoveryPorts are probed on 127.0.0.1 (GET /health) when BaseURL is
	// empty.
	DiscoveryPorts []int `yaml:"discovery_ports"`
}

// EmployeeConfig names the table and columns used by employee lookups.
// Customers with bespoke HR schemas override these.
type EmployeeConfig struct {
	Table      string `yaml:"table"`
	CodeColumn string `yaml:"code_column"`
	CardColumn string `yaml:"card_column"`
	NameColumn string `yaml:"name_column"`
}

// LoggingConfig controls the agent's zap logger and file rotation.
type LoggingConfig struct {
	Level string `yaml:"level"`

	// File, when set, adds a size-rotated log file alongside stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the built-in configuration every other layer overrides.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			HeartbeatInterval:    30,
			ReconnectDelay:       5,
			ReconnectMaxDelay:    300,
			MaxReconnectAttempts: 0,
			SSLVerify:            true,
		},
		Database: DatabaseConfig{
			ConnectionTimeout: 10,
			QueryTimeout:      30,
		},
		LocalAPI: LocalAPIConfig{
			DiscoveryPorts: []int{8080, 8000, 5000, 3000},
		},
		Employees: EmployeeConfig{
			Table:      "employees",
			CodeColumn: "employee_code",
			CardColumn: "card_number",
			NameColumn: "full_name",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load assembles the configuration: defaults, then the YAML file at path (if
// path is empty the file layer is skipped; a missing explicit file is an
// error), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	// godotenv only fills variables that are not already set, so the real
	// environment keeps precedence over .env.
	_ = godotenv.Load()

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Transport.SaaSURL = getEnv("GATELINK_SAAS_URL", c.Transport.SaaSURL)
	c.Transport.GatewayToken = getEnv("GATELINK_GATEWAY_TOKEN", c.Transport.GatewayToken)
	c.Transport.HeartbeatInterval = getEnvInt("GATELINK_HEARTBEAT_INTERVAL", c.Transport.HeartbeatInterval)
	c.Transport.ReconnectDelay = getEnvInt("GATELINK_RECONNECT_DELAY", c.Transport.ReconnectDelay)
	c.Transport.ReconnectMaxDelay = getEnvInt("GATELINK_RECONNECT_MAX_DELAY", c.Transport.ReconnectMaxDelay)
	c.Transport.MaxReconnectAttempts = getEnvInt("GATELINK_MAX_RECONNECT_ATTEMPTS", c.Transport.MaxReconnectAttempts)
	c.Transport.SSLVerify = getEnvBool("GATELINK_SSL_VERIFY", c.Transport.SSLVerify)

	c.Database.Driver = getEnv("GATELINK_DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("GATELINK_DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("GATELINK_DB_PORT", c.Database.Port)
	c.Database.Database = getEnv("GATELINK_DB_NAME", c.Database.Database)
	c.Database.Username = getEnv("GATELINK_DB_USERNAME", c.Database.Username)
	c.Database.Password = getEnv("GATELINK_DB_PASSWORD", c.Database.Password)
	c.Database.UseWindowsAuth = getEnvBool("GATELINK_DB_USE_WINDOWS_AUTH", c.Database.UseWindowsAuth)
	c.Database.ConnectionTimeout = getEnvInt("GATELINK_DB_CONNECTION_TIMEOUT", c.Database.ConnectionTimeout)
	c.Database.QueryTimeout = getEnvInt("GATELINK_DB_QUERY_TIMEOUT", c.Database.QueryTimeout)

	c.LocalAPI.BaseURL = getEnv("GATELINK_API_BASE_URL", c.LocalAPI.BaseURL)
	c.LocalAPI.AuthType = getEnv("GATELINK_API_AUTH_TYPE", c.LocalAPI.AuthType)
	c.LocalAPI.AuthToken = getEnv("GATELINK_API_AUTH_TOKEN", c.LocalAPI.AuthToken)
	c.LocalAPI.DiscoveryPorts = getEnvInts("GATELINK_API_DISCOVERY_PORTS", c.LocalAPI.DiscoveryPorts)

	c.Employees.Table = getEnv("GATELINK_EMPLOYEE_TABLE", c.Employees.Table)
	c.Employees.CodeColumn = getEnv("GATELINK_EMPLOYEE_CODE_COLUMN", c.Employees.CodeColumn)
	c.Employees.CardColumn = getEnv("GATELINK_EMPLOYEE_CARD_COLUMN", c.Employees.CardColumn)
	c.Employees.NameColumn = getEnv("GATELINK_EMPLOYEE_NAME_COLUMN", c.Employees.NameColumn)

	c.Logging.Level = getEnv("GATELINK_LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("GATELINK_LOG_FILE", c.Logging.File)
	c.Logging.MaxSizeMB = getEnvInt("GATELINK_LOG_MAX_SIZE_MB", c.Logging.MaxSizeMB)
	c.Logging.MaxBackups = getEnvInt("GATELINK_LOG_MAX_BACKUPS", c.Logging.MaxBackups)
}

// Validate checks that the configuration is complete enough to run.
func (c *Config) Validate() error {
	if c.Transport.SaaSURL == "" {
		return fmt.Errorf("saas_url is required")
	}
	if !strings.HasPrefix(c.Transport.SaaSURL, "ws://") && !strings.HasPrefix(c.Transport.SaaSURL, "wss://") {
		return fmt.Errorf("saas_url must be a ws:// or wss:// URL, got %q", c.Transport.SaaSURL)
	}
	if c.Transport.GatewayToken == "" {
		return fmt.Errorf("gateway_token is required")
	}
	if c.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be > 0")
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be > 0")
	}
	if c.Transport.ReconnectMaxDelay < c.Transport.ReconnectDelay {
		return fmt.Errorf("reconnect_max_delay must be >= reconnect_delay")
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must be >= 0")
	}

	if c.Database.Driver != "" {
		switch strings.ToLower(c.Database.Driver) {
		case "sqlserver", "mssql", "postgres", "postgresql", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
		}
		if !c.Database.Configured() {
			return fmt.Errorf("database driver %q set but host/database incomplete", c.Database.Driver)
		}
		if c.Database.QueryTimeout <= 0 {
			return fmt.Errorf("query_timeout must be > 0")
		}
	}

	switch c.LocalAPI.AuthType {
	case "", "bearer", "api_key":
	default:
		return fmt.Errorf("local_api auth_type must be bearer, api_key or empty, got %q", c.LocalAPI.AuthType)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvInts parses a comma-separated list of integers. Any malformed entry
// discards the whole variable.
func getEnvInts(key string, fallback []int) []int {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}
