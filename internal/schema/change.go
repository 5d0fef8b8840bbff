package schema

import (
	"context"

	"github.com/kuitang/compass/internal/dialect"
)

// Change is one discrete, idempotent schema mutation.
//
// IsNeeded inspects the live catalog and must not modify anything. Apply is only
// called right after IsNeeded returned true; it may assume every change with a
// lower Version has already had the chance to run.
type Change interface {
	Version() int
	Name() string
	IsNeeded(ctx context.Context, c *Conn) (bool, error)
	Apply(ctx context.Context, c *Conn) error
}

type meta struct {
	version int
	name    string
}

func (m meta) Version() int { return m.version }
func (m meta) Name() string { return m.name }

// ddlFunc renders a statement for a dialect.
type ddlFunc func(d dialect.Dialect) string

// createTable creates a table with CREATE TABLE IF NOT EXISTS.
type createTable struct {
	meta
	table string
	ddl   ddlFunc
}

func newCreateTable(version int, name, table string, ddl ddlFunc) *createTable {
	return &createTable{meta: meta{version, name}, table: table, ddl: ddl}
}

func (ch *createTable) IsNeeded(ctx context.Context, c *Conn) (bool, error) {
	exists, err := c.TableExists(ctx, ch.table)
	return !exists, err
}

func (ch *createTable) Apply(ctx context.Context, c *Conn) error {
	_, err := c.Exec(ctx, ch.ddl(c.Dialect()))
	return err
}

// addColumn runs ALTER TABLE ... ADD COLUMN, which fails when the column exists,
// so it is strictly gated by ColumnExists.
type addColumn struct {
	meta
	table      string
	column     string
	definition ddlFunc
}

func newAddColumn(version int, name, table, column string, definition ddlFunc) *addColumn {
	return &addColumn{meta: meta{version, name}, table: table, column: column, definition: definition}
}

func (ch *addColumn) IsNeeded(ctx context.Context, c *Conn) (bool, error) {
	exists, err := c.ColumnExists(ctx, ch.table, ch.column)
	return !exists, err
}

func (ch *addColumn) Apply(ctx context.Context, c *Conn) error {
	_, err := c.Exec(ctx, "ALTER TABLE "+ch.table+" ADD COLUMN "+ch.column+" "+ch.definition(c.Dialect()))
	return err
}

// createIndex creates an index with CREATE INDEX IF NOT EXISTS.
type createIndex struct {
	meta
	index   string
	table   string
	columns string
}

func newCreateIndex(version int, name, index, table, columns string) *createIndex {
	return &createIndex{meta: meta{version, name}, index: index, table: table, columns: columns}
}

func (ch *createIndex) IsNeeded(ctx context.Context, c *Conn) (bool, error) {
	exists, err := c.IndexExists(ctx, ch.index)
	return !exists, err
}

func (ch *createIndex) Apply(ctx context.Context, c *Conn) error {
	_, err := c.Exec(ctx, "CREATE INDEX IF NOT EXISTS "+ch.index+" ON "+ch.table+" ("+ch.columns+")")
	return err
}

// rebuild wraps a RebuildSpec with its own need check.
type rebuild struct {
	meta
	needed func(ctx context.Context, c *Conn) (bool, error)
	plan   func(d dialect.Dialect) RebuildSpec
}

func newRebuild(version int, name string, needed func(context.Context, *Conn) (bool, error), plan func(dialect.Dialect) RebuildSpec) *rebuild {
	return &rebuild{meta: meta{version, name}, needed: needed, plan: plan}
}

func (ch *rebuild) IsNeeded(ctx context.Context, c *Conn) (bool, error) {
	return ch.needed(ctx, c)
}

func (ch *rebuild) Apply(ctx context.Context, c *Conn) error {
	return c.RebuildTable(ctx, ch.plan(c.Dialect()))
}

// funcChange is a change whose check and mutation are plain functions.
type funcChange struct {
	meta
	needed func(ctx context.Context, c *Conn) (bool, error)
	apply  func(ctx context.Context, c *Conn) error
}

func (ch *funcChange) IsNeeded(ctx context.Context, c *Conn) (bool, error) {
	return ch.needed(ctx, c)
}

func (ch *funcChange) Apply(ctx context.Context, c *Conn) error {
	return ch.apply(ctx, c)
}
