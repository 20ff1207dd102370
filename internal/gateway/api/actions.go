package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/actions"
	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
)

// ActionService is the slice of the approval service the handlers use. The
// production implementation is *actions.Service.
type ActionService interface {
	Request(ctx context.Context, in actions.CreateInput) (*db.PendingAction, error)
	Approve(ctx context.Context, id uuid.UUID, decidedBy string) (*db.PendingAction, error)
	Reject(ctx context.Context, id uuid.UUID, decidedBy string) (*db.PendingAction, error)
	Execute(ctx context.Context, id uuid.UUID) (*db.PendingAction, error)
}

// ActionHandler serves the approval queue: assistants request actions, humans
// decide them, approved actions execute through the router.
type ActionHandler struct {
	service ActionService
	repo    repositories.PendingActionRepository
	logger  *zap.Logger
}

// NewActionHandler creates a new ActionHandler.
func NewActionHandler(service ActionService, repo repositories.PendingActionRepository, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{
		service: service,
		repo:    repo,
		logger:  logger.Named("action_handler"),
	}
}

// actionResponse is the JSON representation of a pending action. Payload and
// Result are embedded verbatim — they are already JSON.
type actionResponse struct {
	ID          string          `json:"id"`
	DatabaseID  string          `json:"database_id"`
	RequestedBy string          `json:"requested_by"`
	ActionType  string          `json:"action_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	ExpiresAt   string          `json:"expires_at"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *string         `json:"decided_at,omitempty"`
	ExecutedAt  *string         `json:"executed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func actionToResponse(a *db.PendingAction) actionResponse {
	resp := actionResponse{
		ID:          a.ID.String(),
		DatabaseID:  a.DatabaseID.String(),
		RequestedBy: a.RequestedBy,
		ActionType:  a.ActionType,
		Payload:     json.RawMessage(a.Payload),
		Status:      a.Status,
		ExpiresAt:   a.ExpiresAt.UTC().Format(time.RFC3339),
		DecidedBy:   a.DecidedBy,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.DecidedAt != nil {
		s := a.DecidedAt.UTC().Format(time.RFC3339)
		resp.DecidedAt = &s
	}
	if a.ExecutedAt != nil {
		s := a.ExecutedAt.UTC().Format(time.RFC3339)
		resp.ExecutedAt = &s
	}
	if a.Result != "" {
		resp.Result = json.RawMessage(a.Result)
	}
	return resp
}

// createActionRequest is the JSON body expected by
// POST /api/v1/databases/{id}/actions. Exactly one of the sql_write or
// api_call field groups applies, selected by action_type.
type createActionRequest struct {
	ActionType string `json:"action_type"`

	// sql_write
	SQL string `json:"sql"`

	// api_call
	Method      string            `json:"method"`
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"query_params"`
	Body        any               `json:"body"`

	// TTLMinutes bounds how long the action stays approvable; zero applies
	// the service default.
	TTLMinutes int `json:"ttl_minutes"`
}

// Create handles POST /api/v1/databases/{id}/actions.
// Queues one side-effecting operation for human approval. The caller identity
// from the service token becomes requested_by.
func (h *ActionHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req createActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	action, err := h.service.Request(r.Context(), actions.CreateInput{
		DatabaseID:  id.String(),
		RequestedBy: callerService(r.Context()),
		Type:        req.ActionType,
		SQL:         req.SQL,
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		QueryParams: req.QueryParams,
		Body:        req.Body,
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		if errors.Is(err, actions.ErrInvalid) {
			ErrBadRequest(w, err.Error())
			return
		}
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to queue action", zap.String("database_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, actionToResponse(action))
}

// listActionsResponse wraps a paginated list of actions.
type listActionsResponse struct {
	Items []actionResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/actions. Optional status and database_id query
// parameters narrow the list; status takes precedence when both are given.
func (h *ActionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		items []db.PendingAction
		total int64
		err   error
	)
	switch {
	case r.URL.Query().Get("status") != "":
		status := r.URL.Query().Get("status")
		switch status {
		case db.ActionPending, db.ActionApproved, db.ActionRejected, db.ActionExpired, db.ActionExecuted:
		default:
			ErrBadRequest(w, "unknown status filter")
			return
		}
		items, total, err = h.repo.ListByStatus(r.Context(), status, opts)

	case r.URL.Query().Get("database_id") != "":
		databaseID, parseErr := uuid.Parse(r.URL.Query().Get("database_id"))
		if parseErr != nil {
			ErrBadRequest(w, "invalid database_id: must be a valid UUID")
			return
		}
		items, total, err = h.repo.ListByDatabase(r.Context(), databaseID, opts)

	default:
		items, total, err = h.repo.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list actions", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]actionResponse, len(items))
	for i := range items {
		out[i] = actionToResponse(&items[i])
	}

	Ok(w, listActionsResponse{Items: out, Total: total})
}

// GetByID handles GET /api/v1/actions/{id}.
func (h *ActionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	action, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get action", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, actionToResponse(action))
}

// Approve handles POST /api/v1/actions/{id}/approve.
// Approval triggers execution immediately; if execution fails the action
// stays approved and the response shows it undecided between approved and
// executed, ready for a retry via Execute.
func (h *ActionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	action, err := h.service.Approve(r.Context(), id, callerService(r.Context()))
	if err != nil {
		errRouting(w, err)
		return
	}

	Ok(w, actionToResponse(action))
}

// Reject handles POST /api/v1/actions/{id}/reject.
func (h *ActionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	action, err := h.service.Reject(r.Context(), id, callerService(r.Context()))
	if err != nil {
		errRouting(w, err)
		return
	}

	Ok(w, actionToResponse(action))
}

// Execute handles POST /api/v1/actions/{id}/execute.
// Retries execution of an approved action whose first attempt failed, for
// example because the agent was offline at approval time.
func (h *ActionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	action, err := h.service.Execute(r.Context(), id)
	if err != nil {
		errRouting(w, err)
		return
	}

	Ok(w, actionToResponse(action))
}
