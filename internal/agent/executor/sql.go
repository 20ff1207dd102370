package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/protocol"
	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

const (
	maxOpenConns    = 4
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
)

var errNoDatabase = errors.New("executor: no local database configured")

// SQLExecutor runs QUERY_REQUEST frames against the customer database. The
// handle is opened on first use and reused for the life of the process.
type SQLExecutor struct {
	cfg    config.DatabaseConfig
	logger *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewSQLExecutor builds the executor. The database is not touched until the
// first request or ping.
func NewSQLExecutor(cfg config.DatabaseConfig, logger *zap.Logger) *SQLExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLExecutor{cfg: cfg, logger: logger.Named("sql")}
}

// Configured reports whether a local database is set up at all.
func (e *SQLExecutor) Configured() bool { return e.cfg.Configured() }

// Execute runs one query and shapes the response frame. Failures are status
// values, never returned errors: the frame always goes back to the gateway.
func (e *SQLExecutor) Execute(ctx context.Context, req *protocol.QueryRequest) *protocol.QueryResponse {
	resp := &protocol.QueryResponse{RequestID: req.RequestID}

	db, err := e.handle()
	if err != nil {
		resp.Status = protocol.StatusConnectionError
		resp.ErrorMessage = err.Error()
		return resp
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.QueryTimeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rs, err := db.QueryContext(execCtx, req.SQLQuery)
	if err != nil {
		return e.fail(resp, execCtx, err, start)
	}
	defer rs.Close()

	columns, rows, truncated, err := sqlutil.CollectRows(rs, req.MaxRows)
	if err != nil {
		return e.fail(resp, execCtx, err, start)
	}
	if truncated {
		e.logger.Debug("result truncated",
			zap.String("request_id", req.RequestID),
			zap.Int("max_rows", req.MaxRows),
		)
	}

	resp.Status = protocol.StatusSuccess
	resp.Columns = columns
	resp.Rows = rows
	resp.RowCount = len(rows)
	resp.ExecutionTimeMS = time.Since(start).Milliseconds()
	return resp
}

// Ping reports whether the local database answers within ctx. Used by the
// health monitor.
func (e *SQLExecutor) Ping(ctx context.Context) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("executor: ping: %w", err)
	}
	return nil
}

// Close releases the pooled handle.
func (e *SQLExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func (e *SQLExecutor) fail(resp *protocol.QueryResponse, ctx context.Context, err error, start time.Time) *protocol.QueryResponse {
	resp.Status = classifyDBError(ctx, err)
	resp.ErrorMessage = err.Error()
	resp.ExecutionTimeMS = time.Since(start).Milliseconds()
	return resp
}

// handle returns the shared *sql.DB, opening it on first use.
func (e *SQLExecutor) handle() (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return e.db, nil
	}
	if !e.cfg.Configured() {
		return nil, errNoDatabase
	}

	db, err := sqlutil.Open(e.cfg.SQLConfig())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	e.db = db
	e.logger.Info("database connection opened",
		zap.String("driver", e.cfg.Driver),
		zap.String("database", e.cfg.Database),
	)
	return db, nil
}

// classifyDBError maps a database/sql failure onto a wire status. Context
// expiry is a timeout, transport failures are connection errors, everything
// else is a query error.
func classifyDBError(ctx context.Context, err error) protocol.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.StatusTimeout
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return protocol.StatusConnectionError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return protocol.StatusConnectionError
	}
	return protocol.StatusError
}
