package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

func newEmployeeFixture(t *testing.T) (*EmployeeExecutor, *SQLExecutor) {
	t.Helper()
	sqlExec := NewSQLExecutor(config.DatabaseConfig{
		Driver:       "sqlite",
		Database:     filepath.Join(t.TempDir(), "hr.db"),
		QueryTimeout: 5,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sqlExec.Close() })

	db, err := sqlExec.handle()
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE employees (
		employee_code TEXT NOT NULL,
		card_number   TEXT,
		full_name     TEXT NOT NULL,
		department    TEXT
	)`)
	require.NoError(t, err)

	seed := [][4]string{
		{"E-100", "1001", "Jan Kowalski", "assembly"},
		{"E-101", "1002", "Maria Nowak", "assembly"},
		{"E-102", "1003", "Jan Nowicki", "logistics"},
		{"E-103", "", "Nowak-Lewandowska Maria", "hr"},
	}
	for _, row := range seed {
		_, err = db.Exec(
			`INSERT INTO employees (employee_code, card_number, full_name, department) VALUES (?, ?, ?, ?)`,
			row[0], row[1], row[2], row[3],
		)
		require.NoError(t, err)
	}

	emp := NewEmployeeExecutor(sqlExec, config.EmployeeConfig{
		Table:      "employees",
		CodeColumn: "employee_code",
		CardColumn: "card_number",
		NameColumn: "full_name",
	}, zaptest.NewLogger(t))
	return emp, sqlExec
}

func TestEmployeeLookupByCode(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-1",
		Identifier: "E-100",
		LookupType: protocol.LookupAuto,
		Timeout:    5,
	})

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Employee)
	assert.Equal(t, "Jan Kowalski", resp.Employee["full_name"])
	assert.Equal(t, "assembly", resp.Employee["department"])
	assert.Empty(t, resp.Employees)
}

func TestEmployeeLookupNumericFallsThroughToCard(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-2",
		Identifier: "1003",
		LookupType: protocol.LookupAuto,
		Timeout:    5,
	})

	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "Jan Nowicki", resp.Employee["full_name"])
}

func TestEmployeeLookupExactName(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-3",
		Identifier: "Maria Nowak",
		LookupType: protocol.LookupAuto,
		Timeout:    5,
	})

	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "E-101", resp.Employee["employee_code"])
}

func TestEmployeeLookupPartialNameMultiple(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-4",
		Identifier: "nowak",
		LookupType: protocol.LookupName,
		Timeout:    5,
	})

	assert.Equal(t, protocol.StatusMultipleFound, resp.Status)
	require.Len(t, resp.Employees, 2)
	assert.Equal(t, resp.Employees[0], resp.Employee)

	names := []string{
		resp.Employees[0]["full_name"].(string),
		resp.Employees[1]["full_name"].(string),
	}
	assert.ElementsMatch(t, []string{"Maria Nowak", "Nowak-Lewandowska Maria"}, names)
}

func TestEmployeeLookupPartialCappedAtFive(t *testing.T) {
	emp, sqlExec := newEmployeeFixture(t)

	db, err := sqlExec.handle()
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err = db.Exec(
			`INSERT INTO employees (employee_code, card_number, full_name, department) VALUES (?, ?, ?, ?)`,
			fmt.Sprintf("T-%d", i), "", fmt.Sprintf("Test Worker %d", i), "qa",
		)
		require.NoError(t, err)
	}

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-5",
		Identifier: "test worker",
		LookupType: protocol.LookupName,
		Timeout:    5,
	})

	assert.Equal(t, protocol.StatusMultipleFound, resp.Status)
	assert.Len(t, resp.Employees, 5)
}

func TestEmployeeLookupNotFound(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-6",
		Identifier: "Z-999",
		LookupType: protocol.LookupAuto,
		Timeout:    5,
	})

	assert.Equal(t, protocol.StatusNotFound, resp.Status)
	assert.Nil(t, resp.Employee)
}

func TestEmployeeLookupExplicitTypeConfinesSearch(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	// A card lookup never falls through to the name strategies.
	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-7",
		Identifier: "Jan Kowalski",
		LookupType: protocol.LookupCard,
		Timeout:    5,
	})

	assert.Equal(t, protocol.StatusNotFound, resp.Status)
}

func TestEmployeeLookupEmptyIdentifier(t *testing.T) {
	emp, _ := newEmployeeFixture(t)

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-8",
		Identifier: "   ",
		LookupType: protocol.LookupAuto,
	})

	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "identifier")
}

func TestEmployeeLookupWithoutDatabase(t *testing.T) {
	sqlExec := NewSQLExecutor(config.DatabaseConfig{}, zaptest.NewLogger(t))
	emp := NewEmployeeExecutor(sqlExec, config.EmployeeConfig{
		Table:      "employees",
		CodeColumn: "employee_code",
		CardColumn: "card_number",
		NameColumn: "full_name",
	}, zaptest.NewLogger(t))

	resp := emp.Execute(context.Background(), &protocol.EmployeeLookupRequest{
		RequestID:  "req-9",
		Identifier: "E-100",
	})

	assert.Equal(t, protocol.StatusConnectionError, resp.Status)
}
