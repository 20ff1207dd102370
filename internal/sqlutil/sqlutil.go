// Package sqlutil opens database/sql handles for the supported drivers and
// normalizes result rows into wire-safe records.
package sqlutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config describes how to reach one relational database.
type Config struct {
	Driver         string // sqlserver, postgres or sqlite
	Host           string
	Port           int
	Database       string // file path for sqlite
	Username       string
	Password       string
	UseWindowsAuth bool // sqlserver only
	ConnectTimeout time.Duration
	Options        map[string]string
}

// Open builds the driver-specific DSN and opens a handle. Pool limits are
// left to the caller; no connection is established until first use.
func Open(cfg Config) (*sql.DB, error) {
	driver, dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlutil: open %s: %w", driver, err)
	}
	return db, nil
}

// BuildDSN maps a Config to a registered driver name and its DSN.
func BuildDSN(cfg Config) (driver, dsn string, err error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlserver", "mssql":
		return "sqlserver", sqlserverDSN(cfg), nil
	case "postgres", "postgresql":
		return "pgx", postgresDSN(cfg), nil
	case "sqlite", "sqlite3":
		return "sqlite", cfg.Database, nil
	default:
		return "", "", fmt.Errorf("sqlutil: unsupported driver %q", cfg.Driver)
	}
}

func sqlserverDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	parts := []string{
		"server=" + adoValue(cfg.Host),
		"port=" + strconv.Itoa(port),
		"database=" + adoValue(cfg.Database),
	}
	if cfg.UseWindowsAuth {
		parts = append(parts, "integrated security=SSPI")
	} else {
		parts = append(parts,
			"user id="+adoValue(cfg.Username),
			"password="+adoValue(cfg.Password),
		)
	}
	if cfg.ConnectTimeout > 0 {
		parts = append(parts, fmt.Sprintf("connection timeout=%d", int(cfg.ConnectTimeout.Seconds())))
	}
	for k, v := range cfg.Options {
		parts = append(parts, k+"="+adoValue(v))
	}
	return strings.Join(parts, ";")
}

// adoValue brace-quotes an ADO connection string value when it contains
// delimiters. Closing braces are doubled per the ADO quoting rule.
func adoValue(s string) string {
	if strings.ContainsAny(s, ";{} ") {
		return "{" + strings.ReplaceAll(s, "}", "}}") + "}"
	}
	return s
}

func postgresDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	q := url.Values{}
	if cfg.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectTimeout.Seconds())))
	}
	for k, v := range cfg.Options {
		q.Set(k, v)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}
