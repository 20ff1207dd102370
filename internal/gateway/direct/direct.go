// Package direct runs queries against customer databases over the gateway's
// own connection pool, bypassing the tunnel. It serves databases whose mode
// allows a direct path and the auto-mode fallback when no agent is connected.
//
// The pool is owned by the gateway process and never touched from the tunnel
// path. Handles are keyed by database id and reopened when the stored
// connection settings change.
package direct

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/protocol"
	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

const (
	maxOpenConns    = 4
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
)

// Result is one direct query outcome, shaped like the tunnel path's result
// so the router can merge both sources.
type Result struct {
	Columns         []string
	Rows            []protocol.Row
	RowCount        int
	ExecutionTimeMS int64
	Truncated       bool
}

type entry struct {
	db  *sql.DB
	dsn string
}

// Pool keeps one lazily opened *sql.DB per database.
type Pool struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool returns an empty pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		logger:  logger.Named("direct"),
		entries: make(map[string]*entry),
	}
}

// Execute runs one query with the given row cap and timeout and returns the
// normalized result. Driver errors come back wrapped but otherwise as-is.
func (p *Pool) Execute(ctx context.Context, databaseID string, cfg sqlutil.Config, query string, maxRows int, timeout time.Duration) (*Result, error) {
	db, err := p.acquire(databaseID, cfg)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	rs, err := db.QueryContext(execCtx, query)
	if err != nil {
		return nil, fmt.Errorf("direct: query: %w", err)
	}
	defer rs.Close()

	columns, rows, truncated, err := sqlutil.CollectRows(rs, maxRows)
	if err != nil {
		return nil, fmt.Errorf("direct: reading rows: %w", err)
	}
	if truncated {
		p.logger.Debug("direct result truncated",
			zap.String("database_id", databaseID),
			zap.Int("max_rows", maxRows),
		)
	}

	return &Result{
		Columns:         columns,
		Rows:            rows,
		RowCount:        len(rows),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Truncated:       truncated,
	}, nil
}

// Probe answers whether the direct path is usable right now. The caller
// bounds ctx; a failed probe is routing data, not a fault.
func (p *Pool) Probe(ctx context.Context, databaseID string, cfg sqlutil.Config) error {
	db, err := p.acquire(databaseID, cfg)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("direct: probe: %w", err)
	}
	return nil
}

// Evict closes and forgets the pooled handle for a database. Called when a
// database record is deleted or its settings are replaced through the API.
func (p *Pool) Evict(databaseID string) {
	p.mu.Lock()
	e, ok := p.entries[databaseID]
	if ok {
		delete(p.entries, databaseID)
	}
	p.mu.Unlock()

	if ok {
		_ = e.db.Close()
		p.logger.Info("direct connection evicted", zap.String("database_id", databaseID))
	}
}

// Close releases every pooled handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("direct: closing %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// acquire returns the pooled handle for a database, reopening it when the
// connection settings changed since the last use.
func (p *Pool) acquire(databaseID string, cfg sqlutil.Config) (*sql.DB, error) {
	driver, dsn, err := sqlutil.BuildDSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[databaseID]; ok {
		if e.dsn == dsn {
			return e.db, nil
		}
		_ = e.db.Close()
		delete(p.entries, databaseID)
		p.logger.Info("direct connection settings changed, reopening",
			zap.String("database_id", databaseID))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("direct: opening %s connection: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	p.entries[databaseID] = &entry{db: db, dsn: dsn}
	p.logger.Info("direct connection opened",
		zap.String("database_id", databaseID),
		zap.String("driver", cfg.Driver),
	)
	return db, nil
}
