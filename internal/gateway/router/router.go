// Package router chooses a path for every outbound database request.
//
// Each database carries a routing mode. gateway_only requests travel the
// agent tunnel and fail when no fresh session exists. direct_only requests
// use the gateway-side connection pool. auto prefers the tunnel and falls
// back to the direct path after a bounded connectivity probe; when neither
// path is available the caller gets GATEWAY_NOT_CONNECTED with the probe
// error attached as detail.
//
// Probe verdicts are cached briefly so bursts of auto-mode queries do not
// hammer an unreachable database with connection attempts.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/direct"
	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
	"github.com/gatelink-io/gatelink/internal/gateway/session"
	"github.com/gatelink-io/gatelink/internal/protocol"
	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

const (
	// DefaultQueryTimeout bounds a request when the caller does not supply
	// a timeout.
	DefaultQueryTimeout = 30 * time.Second

	// DefaultMaxRows caps result sets when the caller does not supply a limit.
	DefaultMaxRows = 1000

	// probeBudget bounds the auto-mode direct connectivity test.
	probeBudget = 2 * time.Second

	// DefaultProbeTTL is how long a probe verdict may be reused.
	DefaultProbeTTL = time.Second
)

// Mode is the per-database routing choice.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeGatewayOnly Mode = "gateway_only"
	ModeDirectOnly  Mode = "direct_only"
)

// Source names the path that produced a result.
type Source string

const (
	SourceGateway Source = "gateway"
	SourceDirect  Source = "direct"

	sourceNone Source = "none"
)

// Target is the routing-relevant view of a database record.
type Target struct {
	DatabaseID string
	Name       string
	Mode       Mode

	// QueryTimeout and MaxRows are the per-database defaults applied when a
	// query omits them. Zero means fall back to the package defaults.
	QueryTimeout time.Duration
	MaxRows      int

	// Direct holds the gateway-side connection settings; nil when the
	// database has no direct path configured.
	Direct *sqlutil.Config
}

// Targets resolves database ids to routing targets. The repositories layer
// provides the production implementation.
type Targets interface {
	Target(ctx context.Context, databaseID string) (Target, error)
}

// DirectExecutor is the slice of the direct pool the router uses.
type DirectExecutor interface {
	Execute(ctx context.Context, databaseID string, cfg sqlutil.Config, query string, maxRows int, timeout time.Duration) (*direct.Result, error)
	Probe(ctx context.Context, databaseID string, cfg sqlutil.Config) error
}

// Query is one SQL request addressed to a database.
type Query struct {
	DatabaseID     string
	SQL            string
	Timeout        time.Duration
	MaxRows        int
	UserID         string
	ConversationID string
}

// APICall is one local-HTTP request addressed to a database's agent.
type APICall struct {
	DatabaseID  string
	Method      string
	Endpoint    string
	Headers     map[string]string
	Body        any
	QueryParams map[string]string
	Timeout     time.Duration
}

// Lookup is one employee lookup addressed to a database.
type Lookup struct {
	DatabaseID string
	Identifier string
	Type       protocol.LookupType
	Timeout    time.Duration
}

// QueryResult is a successful query outcome, independent of the path taken.
type QueryResult struct {
	Columns         []string       `json:"columns"`
	Rows            []protocol.Row `json:"rows"`
	RowCount        int            `json:"row_count"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Source          Source         `json:"source"`
}

// APIResult is a local-HTTP outcome. A non-2xx answer from the on-prem
// endpoint is still a result: the status code carries the semantics.
type APIResult struct {
	StatusCode      int               `json:"status_code"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            any               `json:"body"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
}

// EmployeeResult is a lookup outcome. Status is success, not_found or
// multiple_found; the latter carries the candidate list.
type EmployeeResult struct {
	Status          protocol.Status     `json:"status"`
	Employee        protocol.Employee   `json:"employee,omitempty"`
	Employees       []protocol.Employee `json:"employees,omitempty"`
	ExecutionTimeMS int64               `json:"execution_time_ms"`
}

// GatewayStatus describes the tunnel side of a database's connectivity.
type GatewayStatus struct {
	Connected bool          `json:"connected"`
	Session   *session.Info `json:"session,omitempty"`
}

// DirectStatus describes the direct side of a database's connectivity.
type DirectStatus struct {
	Status string `json:"status"` // "reachable", "unreachable", "not_configured"
	Error  string `json:"error,omitempty"`
}

// ConnectionStatus is the combined connectivity picture for one database.
type ConnectionStatus struct {
	DatabaseID      string        `json:"database_id"`
	Mode            Mode          `json:"mode"`
	Gateway         GatewayStatus `json:"gateway"`
	Direct          DirectStatus  `json:"direct"`
	EffectiveMethod string        `json:"effective_method"` // "gateway", "direct", "none"
}

// Config wires a Router.
type Config struct {
	Targets  Targets
	Registry *session.Registry
	Direct   DirectExecutor

	// ProbeTTL overrides the probe cache window; zero means the default.
	ProbeTTL time.Duration

	Logger  *zap.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

type probeVerdict struct {
	at  time.Time
	err error
}

// Router routes queries, API calls and lookups between tunnel and direct paths.
type Router struct {
	targets  Targets
	registry *session.Registry
	direct   DirectExecutor
	probeTTL time.Duration

	logger  *zap.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics

	probeMu sync.Mutex
	probes  map[string]probeVerdict
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	probeTTL := cfg.ProbeTTL
	if probeTTL <= 0 {
		probeTTL = DefaultProbeTTL
	}
	return &Router{
		targets:  cfg.Targets,
		registry: cfg.Registry,
		direct:   cfg.Direct,
		probeTTL: probeTTL,
		logger:   logger.Named("router"),
		clock:    clock,
		metrics:  cfg.Metrics,
		probes:   make(map[string]probeVerdict),
	}
}

// ExecuteQuery runs one SQL statement against a database over whichever path
// its mode selects.
func (r *Router) ExecuteQuery(ctx context.Context, q Query) (res *QueryResult, err error) {
	t, err := r.targets.Target(ctx, q.DatabaseID)
	if err != nil {
		return nil, err
	}
	if q.Timeout <= 0 {
		q.Timeout = t.QueryTimeout
	}
	if q.Timeout <= 0 {
		q.Timeout = DefaultQueryTimeout
	}
	if q.MaxRows <= 0 {
		q.MaxRows = t.MaxRows
	}
	if q.MaxRows <= 0 {
		q.MaxRows = DefaultMaxRows
	}

	start := r.clock.Now()
	source := sourceNone
	defer func() { r.observe("query", source, start, err) }()

	switch t.Mode {
	case ModeGatewayOnly:
		sess, ok := r.registry.Lookup(t.DatabaseID)
		if !ok {
			return nil, r.notConnected(t, "")
		}
		source = SourceGateway
		return r.queryTunnel(ctx, sess, q)

	case ModeDirectOnly:
		source = SourceDirect
		return r.queryDirect(ctx, t, q)

	case ModeAuto:
		if sess, ok := r.registry.Lookup(t.DatabaseID); ok {
			source = SourceGateway
			return r.queryTunnel(ctx, sess, q)
		}
		if probeErr := r.probeDirect(ctx, t); probeErr != nil {
			return nil, r.notConnected(t, probeErr.Error())
		}
		source = SourceDirect
		return r.queryDirect(ctx, t, q)

	default:
		return nil, &Error{Kind: KindQueryError, Message: fmt.Sprintf("unknown routing mode %q for database %s", t.Mode, t.DatabaseID)}
	}
}

// ExecuteAPI forwards one HTTP call to the agent's local endpoint. The
// endpoint lives on the agent host, so only the tunnel can reach it
// regardless of mode.
func (r *Router) ExecuteAPI(ctx context.Context, call APICall) (res *APIResult, err error) {
	if call.Timeout <= 0 {
		call.Timeout = DefaultQueryTimeout
	}

	t, err := r.targets.Target(ctx, call.DatabaseID)
	if err != nil {
		return nil, err
	}

	start := r.clock.Now()
	defer func() { r.observe("api", SourceGateway, start, err) }()

	sess, ok := r.registry.Lookup(t.DatabaseID)
	if !ok {
		return nil, r.notConnected(t, "")
	}

	req := &protocol.APIRequest{
		Method:      call.Method,
		Endpoint:    call.Endpoint,
		Headers:     call.Headers,
		Body:        call.Body,
		QueryParams: call.QueryParams,
		Timeout:     seconds(call.Timeout),
	}
	resp, err := sess.Request(ctx, req, call.Timeout)
	if err != nil {
		return nil, r.tunnelError(err)
	}
	ar, ok := resp.(*protocol.APIResponse)
	if !ok {
		return nil, &Error{Kind: KindProtocolError, Message: fmt.Sprintf("unexpected %s response to api request", resp.FrameType())}
	}

	switch ar.Status {
	case protocol.StatusSuccess:
		return apiResult(ar), nil
	case protocol.StatusError:
		if ar.StatusCode > 0 {
			// The endpoint answered; a non-2xx status is the caller's to
			// interpret, not a transport failure.
			return apiResult(ar), nil
		}
		return nil, &Error{Kind: KindQueryError, Message: messageOr(ar.ErrorMessage, "agent reported api failure"), Detail: ar.ErrorCode}
	case protocol.StatusNotConfigured:
		return nil, &Error{Kind: KindNotConfigured, Message: messageOr(ar.ErrorMessage, "agent has no local API endpoint configured")}
	case protocol.StatusTimeout:
		return nil, &Error{Kind: KindTimeout, Message: messageOr(ar.ErrorMessage, "local API call timed out on agent")}
	default:
		return nil, &Error{Kind: KindQueryError, Message: messageOr(ar.ErrorMessage, "local API call failed"), Detail: string(ar.Status)}
	}
}

// LookupEmployee resolves an employee identifier through the agent.
// not_found and multiple_found are results, not errors.
func (r *Router) LookupEmployee(ctx context.Context, l Lookup) (res *EmployeeResult, err error) {
	if l.Timeout <= 0 {
		l.Timeout = DefaultQueryTimeout
	}
	if l.Type == "" {
		l.Type = protocol.LookupAuto
	}

	t, err := r.targets.Target(ctx, l.DatabaseID)
	if err != nil {
		return nil, err
	}

	start := r.clock.Now()
	defer func() { r.observe("employee_lookup", SourceGateway, start, err) }()

	sess, ok := r.registry.Lookup(t.DatabaseID)
	if !ok {
		return nil, r.notConnected(t, "")
	}

	req := &protocol.EmployeeLookupRequest{
		Identifier: l.Identifier,
		LookupType: l.Type,
		Timeout:    seconds(l.Timeout),
	}
	resp, err := sess.Request(ctx, req, l.Timeout)
	if err != nil {
		return nil, r.tunnelError(err)
	}
	er, ok := resp.(*protocol.EmployeeLookupResponse)
	if !ok {
		return nil, &Error{Kind: KindProtocolError, Message: fmt.Sprintf("unexpected %s response to employee lookup", resp.FrameType())}
	}

	switch er.Status {
	case protocol.StatusSuccess, protocol.StatusNotFound, protocol.StatusMultipleFound:
		return &EmployeeResult{
			Status:          er.Status,
			Employee:        er.Employee,
			Employees:       er.Employees,
			ExecutionTimeMS: er.ExecutionTimeMS,
		}, nil
	case protocol.StatusTimeout:
		return nil, &Error{Kind: KindTimeout, Message: messageOr(er.ErrorMessage, "employee lookup timed out on agent")}
	default:
		return nil, &Error{Kind: KindQueryError, Message: messageOr(er.ErrorMessage, "employee lookup failed")}
	}
}

// IsConnected reports whether a fresh tunnel session exists for the database.
// It turns false as soon as the staleness threshold is crossed, even while
// the socket is still open.
func (r *Router) IsConnected(databaseID string) bool {
	_, ok := r.registry.Lookup(databaseID)
	return ok
}

// ConnectionStatus assembles the combined connectivity picture for one
// database: both paths plus the method a query would take right now.
func (r *Router) ConnectionStatus(ctx context.Context, databaseID string) (*ConnectionStatus, error) {
	t, err := r.targets.Target(ctx, databaseID)
	if err != nil {
		return nil, err
	}

	st := &ConnectionStatus{
		DatabaseID:      t.DatabaseID,
		Mode:            t.Mode,
		EffectiveMethod: string(sourceNone),
	}

	if sess, ok := r.registry.Lookup(t.DatabaseID); ok {
		info := sess.Snapshot()
		st.Gateway = GatewayStatus{Connected: true, Session: &info}
	}

	if t.Direct == nil {
		st.Direct = DirectStatus{Status: "not_configured"}
	} else if probeErr := r.probeDirect(ctx, t); probeErr != nil {
		st.Direct = DirectStatus{Status: "unreachable", Error: probeErr.Error()}
	} else {
		st.Direct = DirectStatus{Status: "reachable"}
	}

	directUp := st.Direct.Status == "reachable"
	switch t.Mode {
	case ModeGatewayOnly:
		if st.Gateway.Connected {
			st.EffectiveMethod = string(SourceGateway)
		}
	case ModeDirectOnly:
		if directUp {
			st.EffectiveMethod = string(SourceDirect)
		}
	case ModeAuto:
		if st.Gateway.Connected {
			st.EffectiveMethod = string(SourceGateway)
		} else if directUp {
			st.EffectiveMethod = string(SourceDirect)
		}
	}
	return st, nil
}

// ─── Path execution ──────────────────────────────────────────────────────────

func (r *Router) queryTunnel(ctx context.Context, sess *session.Session, q Query) (*QueryResult, error) {
	req := &protocol.QueryRequest{
		SQLQuery:       q.SQL,
		Timeout:        seconds(q.Timeout),
		MaxRows:        q.MaxRows,
		UserID:         q.UserID,
		ConversationID: q.ConversationID,
	}
	resp, err := sess.Request(ctx, req, q.Timeout)
	if err != nil {
		return nil, r.tunnelError(err)
	}
	qr, ok := resp.(*protocol.QueryResponse)
	if !ok {
		return nil, &Error{Kind: KindProtocolError, Message: fmt.Sprintf("unexpected %s response to query", resp.FrameType())}
	}

	switch qr.Status {
	case protocol.StatusSuccess:
		return &QueryResult{
			Columns:         qr.Columns,
			Rows:            qr.Rows,
			RowCount:        qr.RowCount,
			ExecutionTimeMS: qr.ExecutionTimeMS,
			Source:          SourceGateway,
		}, nil
	case protocol.StatusTimeout:
		return nil, &Error{Kind: KindTimeout, Message: messageOr(qr.ErrorMessage, "query timed out on agent")}
	default:
		return nil, &Error{Kind: KindQueryError, Message: messageOr(qr.ErrorMessage, "agent reported query failure"), Detail: qr.ErrorCode}
	}
}

func (r *Router) queryDirect(ctx context.Context, t Target, q Query) (*QueryResult, error) {
	if t.Direct == nil {
		return nil, &Error{Kind: KindNotConfigured, Message: fmt.Sprintf("database %s has no direct connection settings", t.DatabaseID)}
	}
	res, err := r.direct.Execute(ctx, t.DatabaseID, *t.Direct, q.SQL, q.MaxRows, q.Timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Message: "direct query timed out"}
		}
		// Direct errors surface as-is: the driver message is the diagnosis.
		return nil, &Error{Kind: KindQueryError, Message: err.Error()}
	}
	return &QueryResult{
		Columns:         res.Columns,
		Rows:            res.Rows,
		RowCount:        res.RowCount,
		ExecutionTimeMS: res.ExecutionTimeMS,
		Source:          SourceDirect,
	}, nil
}

// probeDirect answers whether the direct path is usable, reusing a recent
// verdict when one exists. The probe itself runs under its own budget so a
// hung network never stalls the caller for long.
func (r *Router) probeDirect(ctx context.Context, t Target) error {
	if t.Direct == nil {
		return fmt.Errorf("router: database %s has no direct connection settings", t.DatabaseID)
	}

	r.probeMu.Lock()
	if v, ok := r.probes[t.DatabaseID]; ok && r.clock.Since(v.at) <= r.probeTTL {
		r.probeMu.Unlock()
		return v.err
	}
	r.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()
	err := r.direct.Probe(probeCtx, t.DatabaseID, *t.Direct)
	if err != nil {
		r.logger.Debug("direct probe failed",
			zap.String("database_id", t.DatabaseID),
			zap.Error(err),
		)
	}

	r.probeMu.Lock()
	r.probes[t.DatabaseID] = probeVerdict{at: r.clock.Now(), err: err}
	r.probeMu.Unlock()
	return err
}

// ─── Error mapping ───────────────────────────────────────────────────────────

func (r *Router) notConnected(t Target, detail string) error {
	return &Error{
		Kind:    KindGatewayNotConnected,
		Message: fmt.Sprintf("no active tunnel for database %s", t.DatabaseID),
		Detail:  detail,
	}
}

// tunnelError maps session failures onto the caller-facing taxonomy.
func (r *Router) tunnelError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		return &Error{Kind: KindConnectionClosed, Message: "tunnel closed while request was in flight"}
	case errors.Is(err, session.ErrRequestTimeout):
		return &Error{Kind: KindTimeout, Message: "no response from agent within the request timeout"}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request context deadline exceeded"}
	default:
		return err
	}
}

func (r *Router) observe(op string, source Source, start time.Time, err error) {
	status := "success"
	if err != nil {
		if k := KindOf(err); k != "" {
			status = string(k)
		} else {
			status = "error"
		}
	}
	r.metrics.ObserveRequest(string(source), op, status, r.clock.Since(start))
}

func apiResult(ar *protocol.APIResponse) *APIResult {
	return &APIResult{
		StatusCode:      ar.StatusCode,
		Headers:         ar.Headers,
		Body:            ar.Body,
		ExecutionTimeMS: ar.ExecutionTimeMS,
	}
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// seconds converts a duration to the whole-second unit the wire uses.
func seconds(d time.Duration) int {
	return int(d / time.Second)
}
