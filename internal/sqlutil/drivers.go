package sqlutil

// Register every driver an agent or gateway installation may select.
import (
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)
