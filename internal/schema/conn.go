// Package schema evolves the shared Compass schema through an ordered, append-only
// list of idempotent changes. Each change inspects the live catalog to decide
// whether it still has work to do, so the same list upgrades an empty database,
// a database from any earlier release, or a current one (where it does nothing).
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kuitang/compass/internal/dialect"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn binds a Querier to the dialect it speaks. Schema changes only ever talk
// to the database through a Conn.
type Conn struct {
	q       Querier
	dialect dialect.Dialect
}

// NewConn wraps q for dialect d.
func NewConn(q Querier, d dialect.Dialect) *Conn {
	return &Conn{q: q, dialect: d}
}

// Dialect returns the connection's dialect.
func (c *Conn) Dialect() dialect.Dialect { return c.dialect }

// Exec runs a statement after rebinding its placeholders.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

// Query runs a query after rebinding its placeholders.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query after rebinding its placeholders.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

// ExecAll runs statements in order and stops at the first failure.
func (c *Conn) ExecAll(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := c.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// TableExists reports whether a table is present. A missing table is false, not an error.
func (c *Conn) TableExists(ctx context.Context, table string) (bool, error) {
	return c.exists(ctx, c.dialect.TableExistsQuery(), table)
}

// ColumnExists reports whether table has column. It is false when the table itself is missing.
func (c *Conn) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	return c.exists(ctx, c.dialect.ColumnExistsQuery(), table, column)
}

// IndexExists reports whether an index with the given name exists.
func (c *Conn) IndexExists(ctx context.Context, index string) (bool, error) {
	return c.exists(ctx, c.dialect.IndexExistsQuery(), index)
}

func (c *Conn) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := c.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog lookup %v: %w", args, err)
	}
	return true, nil
}

// Column describes one column as reported by the catalog.
type Column struct {
	Name          string
	Type          string
	NotNull       bool
	Default       sql.NullString
	PrimaryKey    int // position in the primary key, 0 when not part of it
	AutoIncrement bool
}

// Columns returns the table's columns in declaration order. A missing table yields nil.
func (c *Conn) Columns(ctx context.Context, table string) ([]Column, error) {
	if c.dialect.IsPostgres() {
		return c.postgresColumns(ctx, table)
	}
	return c.sqliteColumns(ctx, table)
}

func (c *Conn) sqliteColumns(ctx context.Context, table string) ([]Column, error) {
	var ddl sql.NullString
	err := c.QueryRow(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s definition: %w", table, err)
	}
	autoinc := strings.Contains(strings.ToUpper(ddl.String), "AUTOINCREMENT")

	rows, err := c.Query(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("read %s columns: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var notNull int
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &col.Default, &col.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan %s column: %w", table, err)
		}
		col.NotNull = notNull != 0
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s columns: %w", table, err)
	}

	pkCount := 0
	for _, col := range cols {
		if col.PrimaryKey > 0 {
			pkCount++
		}
	}
	for i := range cols {
		if cols[i].PrimaryKey > 0 && pkCount == 1 && strings.EqualFold(cols[i].Type, "INTEGER") {
			cols[i].AutoIncrement = autoinc
		}
	}
	return cols, nil
}

func (c *Conn) postgresColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.Query(ctx, `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("read %s columns: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default); err != nil {
			return nil, fmt.Errorf("scan %s column: %w", table, err)
		}
		col.NotNull = nullable == "NO"
		col.AutoIncrement = strings.HasPrefix(col.Default.String, "nextval(")
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// Index describes a named, explicitly created index.
type Index struct {
	Name    string
	Columns []string
	SQL     string
}

// Indexes lists the explicitly created indexes of a SQLite table (automatic
// indexes backing UNIQUE constraints are excluded, the rebuilt DDL recreates those).
// On PostgreSQL it returns nil: ALTER TABLE keeps indexes in place.
func (c *Conn) Indexes(ctx context.Context, table string) ([]Index, error) {
	if c.dialect.IsPostgres() {
		return nil, nil
	}
	rows, err := c.Query(ctx, `SELECT name, sql FROM sqlite_master
		WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL ORDER BY name`, table)
	if err != nil {
		return nil, fmt.Errorf("list %s indexes: %w", table, err)
	}
	var idx []Index
	for rows.Next() {
		var i Index
		if err := rows.Scan(&i.Name, &i.SQL); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan %s index: %w", table, err)
		}
		idx = append(idx, i)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for n := range idx {
		cols, err := c.indexColumns(ctx, idx[n].Name)
		if err != nil {
			return nil, err
		}
		idx[n].Columns = cols
	}
	return idx, nil
}

func (c *Conn) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := c.Query(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("read index %s columns: %w", index, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		// Expression indexes report NULL column names.
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}

// HasForeignKey reports whether table has a foreign key referencing refTable.
func (c *Conn) HasForeignKey(ctx context.Context, table, refTable string) (bool, error) {
	if c.dialect.IsPostgres() {
		return c.exists(ctx, `
			SELECT 1
			FROM information_schema.table_constraints tc
			JOIN information_schema.constraint_column_usage ccu
			  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
			WHERE tc.table_schema = current_schema() AND tc.constraint_type = 'FOREIGN KEY'
			  AND tc.table_name = ? AND ccu.table_name = ?`, table, refTable)
	}
	return c.exists(ctx, `SELECT 1 FROM pragma_foreign_key_list(?) WHERE "table" = ?`, table, refTable)
}

// ColumnNotNull reports whether an existing column is declared NOT NULL.
// It returns false when the table or column is missing.
func (c *Conn) ColumnNotNull(ctx context.Context, table, column string) (bool, error) {
	cols, err := c.Columns(ctx, table)
	if err != nil {
		return false, err
	}
	for _, col := range cols {
		if col.Name == column {
			return col.NotNull, nil
		}
	}
	return false, nil
}

// RowCount returns the number of rows in table.
func (c *Conn) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := c.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
