package direct

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/protocol"
	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

// seedDB creates a throwaway sqlite database with an employees table.
func seedDB(t *testing.T, names ...string) sqlutil.Config {
	t.Helper()
	cfg := sqlutil.Config{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "direct.db"),
	}

	db, err := sqlutil.Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE employees (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	for i, name := range names {
		_, err = db.Exec(`INSERT INTO employees (id, name) VALUES (?, ?)`, i+1, name)
		require.NoError(t, err)
	}
	return cfg
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool := NewPool(zaptest.NewLogger(t))
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestExecuteReturnsNormalizedRows(t *testing.T) {
	cfg := seedDB(t, "Alice Kovac", "Bob Ter Horst")
	pool := newTestPool(t)

	res, err := pool.Execute(context.Background(), "db-1", cfg,
		`SELECT id, name FROM employees ORDER BY id`, 100, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
	assert.False(t, res.Truncated)
	assert.Equal(t, []protocol.Row{
		{"id": int64(1), "name": "Alice Kovac"},
		{"id": int64(2), "name": "Bob Ter Horst"},
	}, res.Rows)
}

func TestExecuteHonorsRowCap(t *testing.T) {
	cfg := seedDB(t, "a", "b", "c", "d", "e")
	pool := newTestPool(t)

	res, err := pool.Execute(context.Background(), "db-1", cfg,
		`SELECT id FROM employees ORDER BY id`, 2, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.True(t, res.Truncated)
}

func TestExecuteSurfacesQueryErrors(t *testing.T) {
	cfg := seedDB(t)
	pool := newTestPool(t)

	_, err := pool.Execute(context.Background(), "db-1", cfg,
		`SELECT * FROM no_such_table`, 100, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direct: query")
}

func TestExecuteRejectsUnknownDriver(t *testing.T) {
	pool := newTestPool(t)

	_, err := pool.Execute(context.Background(), "db-1",
		sqlutil.Config{Driver: "oracle"}, `SELECT 1`, 10, time.Second)
	require.Error(t, err)
}

func TestAcquireReopensOnSettingsChange(t *testing.T) {
	first := seedDB(t, "only-in-first")
	second := seedDB(t, "x", "y")
	pool := newTestPool(t)

	res, err := pool.Execute(context.Background(), "db-1", first,
		`SELECT COUNT(*) AS n FROM employees`, 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Row{{"n": int64(1)}}, res.Rows)

	// Same database id, new settings: the pool must switch handles.
	res, err = pool.Execute(context.Background(), "db-1", second,
		`SELECT COUNT(*) AS n FROM employees`, 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Row{{"n": int64(2)}}, res.Rows)
}

func TestProbe(t *testing.T) {
	cfg := seedDB(t)
	pool := newTestPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Probe(ctx, "db-1", cfg))

	err := pool.Probe(ctx, "db-2", sqlutil.Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestEvictClosesHandle(t *testing.T) {
	cfg := seedDB(t, "a")
	pool := newTestPool(t)

	_, err := pool.Execute(context.Background(), "db-1", cfg,
		`SELECT 1 AS x`, 10, time.Second)
	require.NoError(t, err)

	pool.Evict("db-1")

	// A fresh handle is opened transparently on the next call.
	res, err := pool.Execute(context.Background(), "db-1", cfg,
		`SELECT 1 AS x`, 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
}
