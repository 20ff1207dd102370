package actions

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
	"github.com/gatelink-io/gatelink/internal/gateway/router"
)

type fakeExecutor struct {
	mu       sync.Mutex
	queries  []router.Query
	apiCalls []router.APICall
	queryRes *router.QueryResult
	queryErr error
	apiRes   *router.APIResult
	apiErr   error
}

func (f *fakeExecutor) ExecuteQuery(_ context.Context, q router.Query) (*router.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRes, nil
}

func (f *fakeExecutor) ExecuteAPI(_ context.Context, call router.APICall) (*router.APIResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiCalls = append(f.apiCalls, call)
	if f.apiErr != nil {
		return nil, f.apiErr
	}
	return f.apiRes, nil
}

type fixture struct {
	svc      *Service
	clock    *clockwork.FakeClock
	exec     *fakeExecutor
	repo     repositories.PendingActionRepository
	database *db.Database
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	require.NoError(t, db.InitEncryption(bytes.Repeat([]byte("k"), 32)))

	gdb, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "gateway.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx := context.Background()
	tenant := &db.Tenant{Name: "acme", IsActive: true}
	require.NoError(t, repositories.NewTenantRepository(gdb).Create(ctx, tenant))
	databases := repositories.NewDatabaseRepository(gdb)
	database := &db.Database{TenantID: tenant.ID, Name: "erp-prod", Mode: "auto"}
	require.NoError(t, databases.Create(ctx, database))

	exec := &fakeExecutor{
		queryRes: &router.QueryResult{RowCount: 3, ExecutionTimeMS: 4, Source: router.SourceGateway},
		apiRes:   &router.APIResult{StatusCode: 200, Body: map[string]any{"ok": true}, ExecutionTimeMS: 6},
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	repo := repositories.NewPendingActionRepository(gdb)

	cfg := Config{
		Actions:   repo,
		Databases: databases,
		Executor:  exec,
		Logger:    zaptest.NewLogger(t),
		Clock:     clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)

	return &fixture{svc: svc, clock: clock, exec: exec, repo: repo, database: database}
}

func (f *fixture) queueSQLWrite(t *testing.T) *db.PendingAction {
	t.Helper()
	action, err := f.svc.Request(context.Background(), CreateInput{
		DatabaseID:  f.database.ID.String(),
		RequestedBy: "assistant",
		Type:        db.ActionTypeSQLWrite,
		SQL:         "UPDATE employees SET active = 0 WHERE id = 7",
	})
	require.NoError(t, err)
	return action
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("malformed database id", func(t *testing.T) {
		_, err := f.svc.Request(ctx, CreateInput{DatabaseID: "nope", Type: db.ActionTypeSQLWrite, SQL: "UPDATE t SET x = 1"})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("unknown database", func(t *testing.T) {
		_, err := f.svc.Request(ctx, CreateInput{DatabaseID: "0195f37a-0000-7000-8000-000000000000", Type: db.ActionTypeSQLWrite, SQL: "UPDATE t SET x = 1"})
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("sql required", func(t *testing.T) {
		_, err := f.svc.Request(ctx, CreateInput{DatabaseID: f.database.ID.String(), Type: db.ActionTypeSQLWrite, SQL: "   "})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("endpoint required", func(t *testing.T) {
		_, err := f.svc.Request(ctx, CreateInput{DatabaseID: f.database.ID.String(), Type: db.ActionTypeAPICall})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := f.svc.Request(ctx, CreateInput{DatabaseID: f.database.ID.String(), Type: "reboot"})
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestRequestQueuesPendingAction(t *testing.T) {
	f := newFixture(t)
	action := f.queueSQLWrite(t)

	assert.Equal(t, db.ActionPending, action.Status)
	assert.Equal(t, db.ActionTypeSQLWrite, action.ActionType)
	assert.Contains(t, action.Payload, "UPDATE employees")
	assert.Equal(t, f.clock.Now().Add(DefaultTTL), action.ExpiresAt)

	// Nothing executes until someone approves.
	assert.Empty(t, f.exec.queries)
}

func TestApproveExecutesSQLWrite(t *testing.T) {
	f := newFixture(t)
	action := f.queueSQLWrite(t)

	executed, err := f.svc.Approve(context.Background(), action.ID, "ops@acme")
	require.NoError(t, err)

	assert.Equal(t, db.ActionExecuted, executed.Status)
	assert.Equal(t, "ops@acme", executed.DecidedBy)
	require.NotNil(t, executed.ExecutedAt)
	assert.Contains(t, executed.Result, `"row_count":3`)
	assert.Contains(t, executed.Result, `"source":"gateway"`)

	require.Len(t, f.exec.queries, 1)
	q := f.exec.queries[0]
	assert.Equal(t, f.database.ID.String(), q.DatabaseID)
	assert.Equal(t, "UPDATE employees SET active = 0 WHERE id = 7", q.SQL)
	assert.Equal(t, "assistant", q.UserID)
}

func TestApproveKeepsActionWhenExecutionFails(t *testing.T) {
	f := newFixture(t)
	f.exec.queryErr = &router.Error{Kind: router.KindGatewayNotConnected, Message: "no active tunnel"}
	action := f.queueSQLWrite(t)
	ctx := context.Background()

	got, err := f.svc.Approve(ctx, action.ID, "ops@acme")
	require.NoError(t, err, "approval itself succeeds")
	assert.Equal(t, db.ActionApproved, got.Status)
	assert.Empty(t, got.Result)

	// The tunnel comes back; a retry releases the action.
	f.exec.queryErr = nil
	got, err = f.svc.Execute(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ActionExecuted, got.Status)
	assert.Contains(t, got.Result, `"row_count":3`)
}

func TestApproveAfterDeadline(t *testing.T) {
	f := newFixture(t)
	action := f.queueSQLWrite(t)

	f.clock.Advance(DefaultTTL + time.Minute)

	_, err := f.svc.Approve(context.Background(), action.ID, "ops@acme")
	assert.ErrorIs(t, err, ErrExpired)

	got, err := f.repo.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ActionExpired, got.Status)
	assert.Empty(t, f.exec.queries)
}

func TestDecisionsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	action := f.queueSQLWrite(t)
	ctx := context.Background()

	rejected, err := f.svc.Reject(ctx, action.ID, "ops@acme")
	require.NoError(t, err)
	assert.Equal(t, db.ActionRejected, rejected.Status)

	_, err = f.svc.Approve(ctx, action.ID, "audit@acme")
	assert.ErrorIs(t, err, repositories.ErrConflict)
	assert.Empty(t, f.exec.queries)
}

func TestExecuteRequiresApproval(t *testing.T) {
	f := newFixture(t)
	action := f.queueSQLWrite(t)

	_, err := f.svc.Execute(context.Background(), action.ID)
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestApproveExecutesAPICall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action, err := f.svc.Request(ctx, CreateInput{
		DatabaseID:  f.database.ID.String(),
		RequestedBy: "assistant",
		Type:        db.ActionTypeAPICall,
		Endpoint:    "/api/doors/main/open",
		Headers:     map[string]string{"X-Operator": "ops"},
	})
	require.NoError(t, err)

	executed, err := f.svc.Approve(ctx, action.ID, "ops@acme")
	require.NoError(t, err)
	assert.Equal(t, db.ActionExecuted, executed.Status)
	assert.Contains(t, executed.Result, `"status_code":200`)

	require.Len(t, f.exec.apiCalls, 1)
	call := f.exec.apiCalls[0]
	assert.Equal(t, "POST", call.Method, "method defaults to POST")
	assert.Equal(t, "/api/doors/main/open", call.Endpoint)
	assert.Equal(t, "ops", call.Headers["X-Operator"])
}

func TestSweepExpiresOverdueActions(t *testing.T) {
	f := newFixture(t)
	overdue := f.queueSQLWrite(t)
	f.clock.Advance(DefaultTTL + time.Minute)
	fresh := f.queueSQLWrite(t)

	f.svc.sweep()

	got, err := f.repo.GetByID(context.Background(), overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ActionExpired, got.Status)

	got, err = f.repo.GetByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ActionPending, got.Status)
}

func TestSweepRunsOnSchedule(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SweepInterval = 20 * time.Millisecond })
	overdue := f.queueSQLWrite(t)
	f.clock.Advance(DefaultTTL + time.Minute)

	require.NoError(t, f.svc.Start())
	defer func() { require.NoError(t, f.svc.Stop()) }()

	require.Eventually(t, func() bool {
		got, err := f.repo.GetByID(context.Background(), overdue.ID)
		return err == nil && got.Status == db.ActionExpired
	}, 2*time.Second, 10*time.Millisecond)
}
