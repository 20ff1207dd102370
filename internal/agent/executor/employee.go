package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/protocol"
	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

// maxCandidates caps how many rows a single lookup strategy may return.
const maxCandidates = 5

// EmployeeExecutor resolves EMPLOYEE_LOOKUP_REQUEST frames against the
// employee table. It shares the SQL executor's handle. The identifier is
// always a bind parameter; only the operator-configured table and column
// names are spliced into the statement.
type EmployeeExecutor struct {
	sql    *SQLExecutor
	cfg    config.EmployeeConfig
	logger *zap.Logger
}

// NewEmployeeExecutor builds the executor on top of the SQL executor's
// connection.
func NewEmployeeExecutor(sqlExec *SQLExecutor, cfg config.EmployeeConfig, logger *zap.Logger) *EmployeeExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmployeeExecutor{sql: sqlExec, cfg: cfg, logger: logger.Named("employees")}
}

// Execute runs the lookup strategies in order and shapes the response frame.
// The first strategy that matches wins: one row is success, several are
// multiple_found with the first row as the primary candidate.
func (e *EmployeeExecutor) Execute(ctx context.Context, req *protocol.EmployeeLookupRequest) *protocol.EmployeeLookupResponse {
	resp := &protocol.EmployeeLookupResponse{RequestID: req.RequestID}

	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		resp.Status = protocol.StatusError
		resp.ErrorMessage = "empty identifier"
		return resp
	}

	db, err := e.sql.handle()
	if err != nil {
		resp.Status = protocol.StatusConnectionError
		resp.ErrorMessage = err.Error()
		return resp
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.sql.cfg.QueryTimeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	for _, s := range e.strategies(req.LookupType, identifier) {
		rows, err := e.query(execCtx, db, s)
		if err != nil {
			resp.Status = classifyDBError(execCtx, err)
			resp.ErrorMessage = err.Error()
			resp.ExecutionTimeMS = time.Since(start).Milliseconds()
			return resp
		}
		if len(rows) == 0 {
			continue
		}

		resp.ExecutionTimeMS = time.Since(start).Milliseconds()
		resp.Employee = rows[0]
		if len(rows) == 1 {
			resp.Status = protocol.StatusSuccess
		} else {
			resp.Status = protocol.StatusMultipleFound
			resp.Employees = rows
		}
		e.logger.Debug("employee matched",
			zap.String("strategy", s.name),
			zap.Int("candidates", len(rows)),
		)
		return resp
	}

	resp.Status = protocol.StatusNotFound
	resp.ExecutionTimeMS = time.Since(start).Milliseconds()
	return resp
}

// strategy is one parameterized probe against the employee table.
type strategy struct {
	name  string
	where string
	arg   string
}

// strategies returns the search plan. Auto tries the code column, the card
// column for digit-only identifiers, then exact name, then a
// case-insensitive partial name match.
func (e *EmployeeExecutor) strategies(lt protocol.LookupType, identifier string) []strategy {
	ph := placeholder(e.sql.cfg.Driver, 1)

	code := strategy{"code", e.cfg.CodeColumn + " = " + ph, identifier}
	card := strategy{"card", e.cfg.CardColumn + " = " + ph, identifier}
	nameExact := strategy{"name", e.cfg.NameColumn + " = " + ph, identifier}
	namePartial := strategy{
		"name_partial",
		"LOWER(" + e.cfg.NameColumn + ") LIKE LOWER(" + ph + ")",
		"%" + identifier + "%",
	}

	switch lt {
	case protocol.LookupCode:
		return []strategy{code}
	case protocol.LookupCard:
		return []strategy{card}
	case protocol.LookupName:
		return []strategy{nameExact, namePartial}
	default: // auto
		if isDigits(identifier) {
			return []strategy{code, card, nameExact, namePartial}
		}
		return []strategy{code, nameExact, namePartial}
	}
}

func (e *EmployeeExecutor) query(ctx context.Context, db *sql.DB, s strategy) ([]protocol.Employee, error) {
	rs, err := db.QueryContext(ctx, e.selectSQL(s.where), s.arg)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	_, rows, _, err := sqlutil.CollectRows(rs, maxCandidates)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// selectSQL builds the per-driver SELECT. SQL Server has no LIMIT clause, so
// the cap becomes TOP there.
func (e *EmployeeExecutor) selectSQL(where string) string {
	switch strings.ToLower(e.sql.cfg.Driver) {
	case "sqlserver", "mssql":
		return fmt.Sprintf("SELECT TOP %d * FROM %s WHERE %s", maxCandidates, e.cfg.Table, where)
	default:
		return fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT %d", e.cfg.Table, where, maxCandidates)
	}
}

// placeholder returns the driver's bind-parameter syntax for position n.
func placeholder(driver string, n int) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return "$" + strconv.Itoa(n)
	case "sqlserver", "mssql":
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
