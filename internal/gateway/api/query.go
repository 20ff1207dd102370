package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/router"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

// QueryRouter is the slice of the router the query handlers use. The
// production implementation is *router.Router.
type QueryRouter interface {
	ExecuteQuery(ctx context.Context, q router.Query) (*router.QueryResult, error)
	ExecuteAPI(ctx context.Context, call router.APICall) (*router.APIResult, error)
	LookupEmployee(ctx context.Context, l router.Lookup) (*router.EmployeeResult, error)
	ConnectionStatus(ctx context.Context, databaseID string) (*router.ConnectionStatus, error)
}

// QueryHandler serves the data-plane endpoints: SQL queries, local API calls,
// employee lookups and connection status, all addressed to one database.
type QueryHandler struct {
	router QueryRouter
	logger *zap.Logger
}

// NewQueryHandler creates a new QueryHandler.
func NewQueryHandler(router QueryRouter, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		router: router,
		logger: logger.Named("query_handler"),
	}
}

// queryRequest is the JSON body expected by POST /api/v1/databases/{id}/query.
// timeout_seconds and max_rows fall back to the database's configured
// defaults when omitted.
type queryRequest struct {
	SQL            string `json:"sql"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRows        int    `json:"max_rows"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// Query handles POST /api/v1/databases/{id}/query.
// Routes one SQL statement over the tunnel or the direct path according to
// the database's mode and returns rows with the source annotated.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SQL == "" {
		ErrBadRequest(w, "sql is required")
		return
	}

	res, err := h.router.ExecuteQuery(r.Context(), router.Query{
		DatabaseID:     id.String(),
		SQL:            req.SQL,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRows:        req.MaxRows,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		h.logger.Warn("query failed",
			zap.String("database_id", id.String()),
			zap.Error(err),
		)
		errRouting(w, err)
		return
	}

	Ok(w, res)
}

// apiCallRequest is the JSON body expected by POST /api/v1/databases/{id}/api.
type apiCallRequest struct {
	Method         string            `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Headers        map[string]string `json:"headers"`
	QueryParams    map[string]string `json:"query_params"`
	Body           any               `json:"body"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// APICall handles POST /api/v1/databases/{id}/api.
// Forwards one HTTP request to the agent's local endpoint over the tunnel.
func (h *QueryHandler) APICall(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req apiCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		ErrBadRequest(w, "endpoint is required")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	res, err := h.router.ExecuteAPI(r.Context(), router.APICall{
		DatabaseID:  id.String(),
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		QueryParams: req.QueryParams,
		Body:        req.Body,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.logger.Warn("api call failed",
			zap.String("database_id", id.String()),
			zap.String("endpoint", req.Endpoint),
			zap.Error(err),
		)
		errRouting(w, err)
		return
	}

	Ok(w, res)
}

// employeeLookupRequest is the JSON body expected by
// POST /api/v1/databases/{id}/employee-lookup. lookup_type defaults to auto,
// which lets the agent classify the identifier.
type employeeLookupRequest struct {
	Identifier     string `json:"identifier"`
	LookupType     string `json:"lookup_type"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func validLookupType(t string) bool {
	switch protocol.LookupType(t) {
	case protocol.LookupAuto, protocol.LookupCode, protocol.LookupName, protocol.LookupCard:
		return true
	}
	return false
}

// EmployeeLookup handles POST /api/v1/databases/{id}/employee-lookup.
// not_found and multiple_found come back as 200s with the status field set;
// only transport and agent failures produce error responses.
func (h *QueryHandler) EmployeeLookup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req employeeLookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		ErrBadRequest(w, "identifier is required")
		return
	}
	if req.LookupType == "" {
		req.LookupType = string(protocol.LookupAuto)
	}
	if !validLookupType(req.LookupType) {
		ErrBadRequest(w, "lookup_type must be one of auto, code, name, card")
		return
	}

	res, err := h.router.LookupEmployee(r.Context(), router.Lookup{
		DatabaseID: id.String(),
		Identifier: req.Identifier,
		Type:       protocol.LookupType(req.LookupType),
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.logger.Warn("employee lookup failed",
			zap.String("database_id", id.String()),
			zap.Error(err),
		)
		errRouting(w, err)
		return
	}

	Ok(w, res)
}

// Status handles GET /api/v1/databases/{id}/status.
// Reports both paths' connectivity and the method a query would take now.
func (h *QueryHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	st, err := h.router.ConnectionStatus(r.Context(), id.String())
	if err != nil {
		errRouting(w, err)
		return
	}

	Ok(w, st)
}
