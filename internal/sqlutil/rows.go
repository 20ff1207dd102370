package sqlutil

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CollectRows drains rs into string-keyed records with normalized scalar
// values, capped at maxRows (<= 0 means unlimited). Columns are returned in
// database order. truncated reports that the cap cut the result short.
func CollectRows(rs *sql.Rows, maxRows int) (columns []string, rows []map[string]any, truncated bool, err error) {
	columns, err = rs.Columns()
	if err != nil {
		return nil, nil, false, fmt.Errorf("sqlutil: columns: %w", err)
	}
	decimals := decimalColumns(rs)

	rows = make([]map[string]any, 0, 16)
	for rs.Next() {
		if maxRows > 0 && len(rows) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, nil, false, fmt.Errorf("sqlutil: scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i], decimals[i])
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("sqlutil: rows: %w", err)
	}
	return columns, rows, truncated, nil
}

// decimalColumns flags columns whose declared type is an exact numeric, so
// drivers that surface them as text can be converted to float64.
func decimalColumns(rs *sql.Rows) map[int]bool {
	types, err := rs.ColumnTypes()
	if err != nil {
		return nil
	}
	out := make(map[int]bool, len(types))
	for i, ct := range types {
		name := strings.ToUpper(ct.DatabaseTypeName())
		if strings.HasPrefix(name, "DECIMAL") || strings.HasPrefix(name, "NUMERIC") ||
			strings.HasPrefix(name, "MONEY") || strings.HasPrefix(name, "SMALLMONEY") {
			out[i] = true
		}
	}
	return out
}

func normalize(v any, decimal bool) any {
	if decimal {
		switch x := v.(type) {
		case []byte:
			if f, err := strconv.ParseFloat(string(x), 64); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return f
			}
		}
	}
	return NormalizeValue(v)
}

// NormalizeValue converts one scanned value to a JSON-safe scalar:
// timestamps become RFC 3339 UTC text and byte slices become hex.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []byte:
		return hex.EncodeToString(x)
	default:
		return v
	}
}
