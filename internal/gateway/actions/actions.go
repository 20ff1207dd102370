// Package actions queues side-effecting operations (SQL writes, local device
// commands) for operator approval before anything is released to an agent or
// a direct connection. Assistants may only request; a human decision moves an
// action from pending to approved or rejected, and approval triggers
// execution through the router.
//
// Each action carries a deadline. A gocron sweep flips overdue pending
// actions to expired so a request abandoned on a Friday cannot be approved
// into a surprise on Monday.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
	"github.com/gatelink-io/gatelink/internal/gateway/router"
)

const (
	// DefaultTTL bounds how long a pending action stays approvable.
	DefaultTTL = time.Hour

	// DefaultSweepInterval is how often overdue pending actions are expired.
	DefaultSweepInterval = time.Minute

	// sweepTimeout bounds one expiry sweep against the control-plane database.
	sweepTimeout = 10 * time.Second
)

var (
	// ErrInvalid marks a malformed creation request. Wrapped errors carry the
	// specific complaint.
	ErrInvalid = errors.New("actions: invalid request")

	// ErrNotApproved is returned by Execute when the action is not in the
	// approved state.
	ErrNotApproved = errors.New("actions: action is not approved")

	// ErrExpired is returned when a decision arrives after the action's
	// deadline has passed.
	ErrExpired = errors.New("actions: action has expired")
)

// Executor is the slice of the router approved actions are released through.
type Executor interface {
	ExecuteQuery(ctx context.Context, q router.Query) (*router.QueryResult, error)
	ExecuteAPI(ctx context.Context, call router.APICall) (*router.APIResult, error)
}

// sqlWritePayload and apiCallPayload are the JSON shapes persisted in
// PendingAction.Payload between request and execution.
type sqlWritePayload struct {
	SQL string `json:"sql"`
}

type apiCallPayload struct {
	Method      string            `json:"method"`
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Body        any               `json:"body,omitempty"`
}

// Outcome is the JSON shape persisted in PendingAction.Result once an action
// has executed.
type Outcome struct {
	RowCount        int    `json:"row_count,omitempty"`
	StatusCode      int    `json:"status_code,omitempty"`
	Body            any    `json:"body,omitempty"`
	Source          string `json:"source,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// CreateInput describes one action an assistant wants queued for approval.
type CreateInput struct {
	DatabaseID  string
	RequestedBy string
	Type        string // db.ActionTypeSQLWrite or db.ActionTypeAPICall

	// sql_write
	SQL string

	// api_call
	Method      string
	Endpoint    string
	Headers     map[string]string
	QueryParams map[string]string
	Body        any

	// TTL overrides the service default when positive.
	TTL time.Duration
}

// Service owns the approval queue: creation, decisions, execution of approved
// actions, and the expiry sweep.
type Service struct {
	cron      gocron.Scheduler
	actions   repositories.PendingActionRepository
	databases repositories.DatabaseRepository
	executor  Executor

	ttl        time.Duration
	sweepEvery time.Duration

	logger *zap.Logger
	clock  clockwork.Clock
}

// Config wires a Service.
type Config struct {
	Actions   repositories.PendingActionRepository
	Databases repositories.DatabaseRepository
	Executor  Executor

	TTL           time.Duration
	SweepInterval time.Duration

	Logger *zap.Logger
	Clock  clockwork.Clock
}

// New creates a Service. Call Start to begin the expiry sweep.
func New(cfg Config) (*Service, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("actions: creating scheduler: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}

	return &Service{
		cron:       cron,
		actions:    cfg.Actions,
		databases:  cfg.Databases,
		executor:   cfg.Executor,
		ttl:        ttl,
		sweepEvery: sweepEvery,
		logger:     logger.Named("actions"),
		clock:      clock,
	}, nil
}

// Start schedules the expiry sweep and starts the underlying scheduler.
func (s *Service) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.sweepEvery),
		gocron.NewTask(s.sweep),
	)
	if err != nil {
		return fmt.Errorf("actions: scheduling expiry sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("approval service started", zap.Duration("sweep_interval", s.sweepEvery))
	return nil
}

// Stop shuts down the underlying scheduler, waiting for a running sweep to
// finish.
func (s *Service) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("actions: scheduler shutdown: %w", err)
	}
	s.logger.Info("approval service stopped")
	return nil
}

// Request validates and queues one action for approval.
func (s *Service) Request(ctx context.Context, in CreateInput) (*db.PendingAction, error) {
	databaseID, err := uuid.Parse(in.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed database id", ErrInvalid)
	}
	if _, err := s.databases.GetByID(ctx, databaseID); err != nil {
		return nil, err
	}

	var payload any
	switch in.Type {
	case db.ActionTypeSQLWrite:
		if strings.TrimSpace(in.SQL) == "" {
			return nil, fmt.Errorf("%w: sql is required", ErrInvalid)
		}
		payload = sqlWritePayload{SQL: in.SQL}

	case db.ActionTypeAPICall:
		if in.Endpoint == "" {
			return nil, fmt.Errorf("%w: endpoint is required", ErrInvalid)
		}
		method := in.Method
		if method == "" {
			method = http.MethodPost
		}
		payload = apiCallPayload{
			Method:      method,
			Endpoint:    in.Endpoint,
			Headers:     in.Headers,
			QueryParams: in.QueryParams,
			Body:        in.Body,
		}

	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalid, in.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("actions: encoding payload: %w", err)
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	action := &db.PendingAction{
		DatabaseID:  databaseID,
		RequestedBy: in.RequestedBy,
		ActionType:  in.Type,
		Payload:     string(raw),
		Status:      db.ActionPending,
		ExpiresAt:   s.clock.Now().Add(ttl),
	}
	if err := s.actions.Create(ctx, action); err != nil {
		return nil, err
	}

	s.logger.Info("action queued for approval",
		zap.String("action_id", action.ID.String()),
		zap.String("database_id", in.DatabaseID),
		zap.String("type", in.Type),
		zap.String("requested_by", in.RequestedBy),
		zap.Time("expires_at", action.ExpiresAt),
	)
	return action, nil
}

// Approve moves a pending action to approved and immediately attempts to
// execute it. A failed execution does not undo the approval: the action stays
// approved and can be retried with Execute once the path recovers.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, decidedBy string) (*db.PendingAction, error) {
	action, err := s.actions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if action.Status == db.ActionPending && !now.Before(action.ExpiresAt) {
		// Overdue but not yet swept; expire it now instead of letting a
		// stale approval through.
		if _, err := s.actions.ExpireOlderThan(ctx, now); err != nil {
			s.logger.Error("expiring overdue action failed", zap.Error(err))
		}
		return nil, ErrExpired
	}

	if err := s.actions.Transition(ctx, id, db.ActionPending, db.ActionApproved, decidedBy, now); err != nil {
		return nil, err
	}
	s.logger.Info("action approved",
		zap.String("action_id", id.String()),
		zap.String("decided_by", decidedBy),
	)

	executed, err := s.Execute(ctx, id)
	if err != nil {
		s.logger.Warn("approved action failed to execute",
			zap.String("action_id", id.String()),
			zap.Error(err),
		)
		return s.actions.GetByID(ctx, id)
	}
	return executed, nil
}

// Reject moves a pending action to rejected. Rejected actions are final.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, decidedBy string) (*db.PendingAction, error) {
	if err := s.actions.Transition(ctx, id, db.ActionPending, db.ActionRejected, decidedBy, s.clock.Now()); err != nil {
		return nil, err
	}
	s.logger.Info("action rejected",
		zap.String("action_id", id.String()),
		zap.String("decided_by", decidedBy),
	)
	return s.actions.GetByID(ctx, id)
}

// Execute releases an approved action through the router and records the
// outcome. On a routing or execution failure the action stays approved so an
// operator can retry.
func (s *Service) Execute(ctx context.Context, id uuid.UUID) (*db.PendingAction, error) {
	action, err := s.actions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != db.ActionApproved {
		return nil, ErrNotApproved
	}

	outcome, err := s.run(ctx, action)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("actions: encoding result: %w", err)
	}
	if err := s.actions.MarkExecuted(ctx, id, s.clock.Now(), string(raw)); err != nil {
		return nil, err
	}

	s.logger.Info("action executed",
		zap.String("action_id", id.String()),
		zap.String("type", action.ActionType),
		zap.Int64("execution_time_ms", outcome.ExecutionTimeMS),
	)
	return s.actions.GetByID(ctx, id)
}

func (s *Service) run(ctx context.Context, action *db.PendingAction) (*Outcome, error) {
	switch action.ActionType {
	case db.ActionTypeSQLWrite:
		var p sqlWritePayload
		if err := json.Unmarshal([]byte(action.Payload), &p); err != nil {
			return nil, fmt.Errorf("actions: decoding payload: %w", err)
		}
		res, err := s.executor.ExecuteQuery(ctx, router.Query{
			DatabaseID: action.DatabaseID.String(),
			SQL:        p.SQL,
			UserID:     action.RequestedBy,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{
			RowCount:        res.RowCount,
			Source:          string(res.Source),
			ExecutionTimeMS: res.ExecutionTimeMS,
		}, nil

	case db.ActionTypeAPICall:
		var p apiCallPayload
		if err := json.Unmarshal([]byte(action.Payload), &p); err != nil {
			return nil, fmt.Errorf("actions: decoding payload: %w", err)
		}
		res, err := s.executor.ExecuteAPI(ctx, router.APICall{
			DatabaseID:  action.DatabaseID.String(),
			Method:      p.Method,
			Endpoint:    p.Endpoint,
			Headers:     p.Headers,
			QueryParams: p.QueryParams,
			Body:        p.Body,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{
			StatusCode:      res.StatusCode,
			Body:            res.Body,
			ExecutionTimeMS: res.ExecutionTimeMS,
		}, nil

	default:
		return nil, fmt.Errorf("actions: unknown action type %q", action.ActionType)
	}
}

// sweep expires overdue pending actions. Runs on the gocron cadence.
func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.actions.ExpireOlderThan(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("expiring stale actions failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("stale actions expired", zap.Int64("count", n))
	}
}
