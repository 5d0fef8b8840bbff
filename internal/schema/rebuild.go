package schema

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// RebuildSpec describes a structural change SQLite's ALTER TABLE cannot express:
// dropping a column, tightening nullability, or adding a table constraint.
type RebuildSpec struct {
	Table string

	// Transform maps the current column list to the new one. Columns it drops are
	// not copied; columns it keeps are copied by name.
	Transform func([]Column) []Column

	// Constraints are the table-level clauses (UNIQUE, FOREIGN KEY, ...) of the new table.
	// The rebuilt table has exactly these; constraints of the old table are not carried over.
	Constraints []string

	// Before runs ahead of the copy on both dialects, e.g. to backfill NULLs
	// before a NOT NULL tightening.
	Before []string

	// PostgresStatements express the same change with ALTER TABLE. They run
	// instead of the rebuild on PostgreSQL.
	PostgresStatements []string
}

// RebuildTable applies rb. On SQLite it performs the create/copy/drop/rename
// dance inside the caller's transaction:
//
//  1. read the current columns
//  2. build the new DDL from the transformed columns plus Constraints
//  3. CREATE TABLE <table>_new
//  4. INSERT INTO <table>_new (cols) SELECT cols FROM <table>
//  5. DROP TABLE <table>
//  6. ALTER TABLE <table>_new RENAME TO <table>
//  7. recreate the old table's indexes whose columns survived
//
// The caller must run it with foreign key enforcement off if other tables
// reference Table; the Migrate runner does that.
func (c *Conn) RebuildTable(ctx context.Context, rb RebuildSpec) error {
	if err := c.ExecAll(ctx, rb.Before...); err != nil {
		return fmt.Errorf("rebuild %s: %w", rb.Table, err)
	}
	if c.dialect.IsPostgres() {
		if err := c.ExecAll(ctx, rb.PostgresStatements...); err != nil {
			return fmt.Errorf("alter %s: %w", rb.Table, err)
		}
		return nil
	}

	oldCols, err := c.Columns(ctx, rb.Table)
	if err != nil {
		return err
	}
	if len(oldCols) == 0 {
		return fmt.Errorf("rebuild %s: table does not exist", rb.Table)
	}
	indexes, err := c.Indexes(ctx, rb.Table)
	if err != nil {
		return err
	}

	newCols := oldCols
	if rb.Transform != nil {
		newCols = rb.Transform(slices.Clone(oldCols))
	}
	if len(newCols) == 0 {
		return fmt.Errorf("rebuild %s: transform removed every column", rb.Table)
	}

	tmp := rb.Table + "_new"
	copied := copiedColumns(oldCols, newCols)
	quoted := make([]string, len(copied))
	for i, name := range copied {
		quoted[i] = quoteIdent(name)
	}
	colList := strings.Join(quoted, ", ")

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tmp)),
		CreateTableSQL(tmp, newCols, rb.Constraints),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", quoteIdent(tmp), colList, colList, quoteIdent(rb.Table)),
		fmt.Sprintf("DROP TABLE %s", quoteIdent(rb.Table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(tmp), quoteIdent(rb.Table)),
	}

	kept := make(map[string]bool, len(newCols))
	for _, col := range newCols {
		kept[col.Name] = true
	}
	for _, idx := range indexes {
		if indexSurvives(idx, kept) {
			stmts = append(stmts, idx.SQL)
		}
	}

	if err := c.ExecAll(ctx, stmts...); err != nil {
		return fmt.Errorf("rebuild %s: %w", rb.Table, err)
	}
	return nil
}

// CreateTableSQL renders a SQLite CREATE TABLE statement from catalog columns.
func CreateTableSQL(table string, cols []Column, constraints []string) string {
	pkCols := 0
	for _, col := range cols {
		if col.PrimaryKey > 0 {
			pkCols++
		}
	}

	defs := make([]string, 0, len(cols)+len(constraints)+1)
	var pk []Column
	for _, col := range cols {
		var b strings.Builder
		b.WriteString(quoteIdent(col.Name))
		if col.Type != "" {
			b.WriteString(" ")
			b.WriteString(col.Type)
		}
		if col.PrimaryKey > 0 && pkCols == 1 {
			b.WriteString(" PRIMARY KEY")
			if col.AutoIncrement {
				b.WriteString(" AUTOINCREMENT")
			}
		} else if col.PrimaryKey > 0 {
			pk = append(pk, col)
		}
		if col.NotNull && !(col.PrimaryKey > 0 && pkCols == 1) {
			b.WriteString(" NOT NULL")
		}
		if col.Default.Valid {
			b.WriteString(" DEFAULT (")
			b.WriteString(col.Default.String)
			b.WriteString(")")
		}
		defs = append(defs, b.String())
	}
	if len(pk) > 0 {
		slices.SortFunc(pk, func(a, b Column) int { return a.PrimaryKey - b.PrimaryKey })
		names := make([]string, len(pk))
		for i, col := range pk {
			names[i] = quoteIdent(col.Name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(names, ", ")+")")
	}
	defs = append(defs, constraints...)

	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(table), strings.Join(defs, ",\n\t"))
}

// DropColumns returns a Transform that removes the named columns.
func DropColumns(names ...string) func([]Column) []Column {
	return func(cols []Column) []Column {
		return slices.DeleteFunc(cols, func(col Column) bool {
			return slices.Contains(names, col.Name)
		})
	}
}

// SetNotNull returns a Transform that marks the named columns NOT NULL.
func SetNotNull(names ...string) func([]Column) []Column {
	return func(cols []Column) []Column {
		for i := range cols {
			if slices.Contains(names, cols[i].Name) {
				cols[i].NotNull = true
			}
		}
		return cols
	}
}

// copiedColumns is the list of columns present in both tables, in new-table order.
func copiedColumns(oldCols, newCols []Column) []string {
	old := make(map[string]bool, len(oldCols))
	for _, col := range oldCols {
		old[col.Name] = true
	}
	var names []string
	for _, col := range newCols {
		if old[col.Name] {
			names = append(names, col.Name)
		}
	}
	return names
}

func indexSurvives(idx Index, kept map[string]bool) bool {
	for _, col := range idx.Columns {
		if col == "" {
			// Expression index: we cannot tell what it touches, keep it and let
			// SQLite reject it if it no longer applies.
			continue
		}
		if !kept[col] {
			return false
		}
	}
	return true
}
