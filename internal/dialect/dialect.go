// Package dialect describes the SQL variants the storage layer speaks.
// A Dialect is resolved once per *sql.DB from the driver's concrete type and then
// handed to every query builder and schema change, so no call site has to guess
// which database it is talking to.
package dialect

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

// Name identifies a dialect.
type Name string

const (
	SQLiteName   Name = "sqlite"
	PostgresName Name = "postgres"
)

// ErrUnsupportedDriver is returned when a connection uses a driver we cannot map to a dialect.
var ErrUnsupportedDriver = errors.New("dialect: unsupported database driver")

// Dialect supplies the dialect-specific SQL fragments used by the schema changes
// and the storage queries. Queries are written with '?' placeholders and passed
// through Rebind before execution.
type Dialect interface {
	Name() Name
	IsPostgres() bool

	// SerialPrimaryKey is the column definition of an auto-incrementing integer key.
	SerialPrimaryKey() string
	// BigInt is the 64-bit integer column type.
	BigInt() string
	// Blob is the binary column type.
	Blob() string
	// Placeholder returns the n-th (1-based) bind parameter marker.
	Placeholder(n int) string
	// Rebind rewrites '?' placeholders into the dialect's marker style.
	Rebind(query string) string

	// CurrentYear and CurrentMonth are integer SQL expressions for today's period.
	CurrentYear() string
	CurrentMonth() string

	// Catalog queries. Each takes the bind parameters named in its doc and
	// returns at most one row when the object exists.
	TableExistsQuery() string  // (table)
	ColumnExistsQuery() string // (table, column)
	IndexExistsQuery() string  // (index)
}

// SQLite is the dialect of go-sqlcipher connections.
var SQLite Dialect = sqliteDialect{}

// Postgres is the dialect of pgx stdlib connections.
var Postgres Dialect = postgresDialect{}

// Detect returns the dialect of an open database handle.
func Detect(db *sql.DB) (Dialect, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database", ErrUnsupportedDriver)
	}
	return FromDriver(db.Driver())
}

// FromDriver maps a driver implementation to its dialect. It never looks at
// connection strings: the driver type is the only reliable signal.
func FromDriver(drv driver.Driver) (Dialect, error) {
	switch drv.(type) {
	case *stdlib.Driver:
		return Postgres, nil
	case *sqlite3.SQLiteDriver:
		return SQLite, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedDriver, drv)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() Name                 { return SQLiteName }
func (sqliteDialect) IsPostgres() bool           { return false }
func (sqliteDialect) SerialPrimaryKey() string   { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) BigInt() string             { return "INTEGER" }
func (sqliteDialect) Blob() string               { return "BLOB" }
func (sqliteDialect) Placeholder(int) string     { return "?" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) CurrentYear() string        { return "CAST(strftime('%Y', 'now') AS INTEGER)" }
func (sqliteDialect) CurrentMonth() string       { return "CAST(strftime('%m', 'now') AS INTEGER)" }

func (sqliteDialect) TableExistsQuery() string {
	return `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func (sqliteDialect) ColumnExistsQuery() string {
	return `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`
}

func (sqliteDialect) IndexExistsQuery() string {
	return `SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = ?`
}

type postgresDialect struct{}

func (postgresDialect) Name() Name               { return PostgresName }
func (postgresDialect) IsPostgres() bool         { return true }
func (postgresDialect) SerialPrimaryKey() string { return "SERIAL PRIMARY KEY" }
func (postgresDialect) BigInt() string           { return "BIGINT" }
func (postgresDialect) Blob() string             { return "BYTEA" }
func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (postgresDialect) CurrentYear() string {
	return "CAST(EXTRACT(YEAR FROM CURRENT_DATE) AS INTEGER)"
}
func (postgresDialect) CurrentMonth() string {
	return "CAST(EXTRACT(MONTH FROM CURRENT_DATE) AS INTEGER)"
}

// Rebind converts '?' placeholders to $1..$n. Question marks inside single-quoted
// literals are left alone.
func (postgresDialect) Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inLiteral = !inLiteral
			b.WriteByte(ch)
		case ch == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (postgresDialect) TableExistsQuery() string {
	return `SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ?`
}

func (postgresDialect) ColumnExistsQuery() string {
	return `SELECT 1 FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`
}

func (postgresDialect) IndexExistsQuery() string {
	return `SELECT 1 FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?`
}
