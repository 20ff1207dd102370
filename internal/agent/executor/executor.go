// Package executor runs the gateway's request frames against the agent's
// local backends. It sits between the connection manager (which owns the
// tunnel) and the customer's database and on-host REST endpoint.
//
// Three executors, one per request type: SQL, local HTTP and employee
// lookup. Each is invoked exactly once per inbound frame and replies with
// the matching response type carrying the inbound request_id. The connection
// manager runs every dispatch on its own goroutine; executors bound their
// own work with the per-request timeout and never touch the tunnel.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/protocol"
)

// Dispatcher routes inbound request frames to the matching executor and
// keeps the monotonic execution counters reported in heartbeats.
type Dispatcher struct {
	sql       *SQLExecutor
	api       *APIExecutor
	employees *EmployeeExecutor
	logger    *zap.Logger

	queriesExecuted     atomic.Int64
	apiRequestsExecuted atomic.Int64
}

// NewDispatcher wires the three executors together.
func NewDispatcher(sqlExec *SQLExecutor, apiExec *APIExecutor, employees *EmployeeExecutor, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sql:       sqlExec,
		api:       apiExec,
		employees: employees,
		logger:    logger.Named("executor"),
	}
}

// Dispatch runs one request frame to completion and returns the response
// frame to send back. A request type with no executor comes back as an ERROR
// frame and leaves the connection alone.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Frame {
	switch r := req.(type) {
	case *protocol.QueryRequest:
		resp := d.sql.Execute(ctx, r)
		d.queriesExecuted.Add(1)
		d.logger.Info("query executed",
			zap.String("request_id", r.RequestID),
			zap.String("status", string(resp.Status)),
			zap.Int("row_count", resp.RowCount),
			zap.Int64("execution_time_ms", resp.ExecutionTimeMS),
		)
		return resp

	case *protocol.APIRequest:
		resp := d.api.Execute(ctx, r)
		d.apiRequestsExecuted.Add(1)
		d.logger.Info("api request executed",
			zap.String("request_id", r.RequestID),
			zap.String("method", r.Method),
			zap.String("endpoint", r.Endpoint),
			zap.String("status", string(resp.Status)),
			zap.Int("status_code", resp.StatusCode),
			zap.Int64("execution_time_ms", resp.ExecutionTimeMS),
		)
		return resp

	case *protocol.EmployeeLookupRequest:
		resp := d.employees.Execute(ctx, r)
		// Lookups run against the local database, so they count as queries.
		d.queriesExecuted.Add(1)
		d.logger.Info("employee lookup executed",
			zap.String("request_id", r.RequestID),
			zap.String("lookup_type", string(r.LookupType)),
			zap.String("status", string(resp.Status)),
			zap.Int64("execution_time_ms", resp.ExecutionTimeMS),
		)
		return resp

	default:
		d.logger.Warn("no executor for request frame",
			zap.String("type", string(req.FrameType())),
			zap.String("request_id", req.GetRequestID()),
		)
		return &protocol.ErrorFrame{
			ErrorCode:    protocol.CodeInvalidMessage,
			ErrorMessage: fmt.Sprintf("no executor for frame type %s", req.FrameType()),
			RequestID:    req.GetRequestID(),
		}
	}
}

// Counters returns the monotonic execution counters carried by heartbeats.
func (d *Dispatcher) Counters() (queries, apiRequests int64) {
	return d.queriesExecuted.Load(), d.apiRequestsExecuted.Load()
}
