// Package db opens the shared Compass database and wraps it with the dialect it
// speaks. The driver is chosen from the URL scheme once, at Open; everything
// after that asks the handle for its dialect instead of looking at strings.
package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kuitang/compass/internal/dialect"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/schema"
)

const (
	// DefaultMaxOpenConns is used when Config.MaxOpenConns is zero.
	// SQLite is single-writer, so high connection counts are counterproductive.
	DefaultMaxOpenConns = 10

	// DefaultMaxIdleConns is used when Config.MaxIdleConns is zero.
	DefaultMaxIdleConns = 2

	postgresDriverName = "pgx"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("db: not found")

// Config describes how to reach the database.
type Config struct {
	// URL is postgres://..., postgresql://..., sqlite://path, file:path or a bare path.
	URL string

	MaxOpenConns int
	MaxIdleConns int

	// SQLiteKey, when set, opens the SQLite file as a SQLCipher database keyed
	// with these raw bytes. Ignored for PostgreSQL.
	SQLiteKey []byte
}

// DB is a *sql.DB bound to its dialect. Statements passed to its query methods
// use '?' placeholders and are rebound as needed.
type DB struct {
	db      *sql.DB
	dialect dialect.Dialect
}

// Open connects to cfg.URL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driverName, dsn, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConns
	}
	if isMemoryDSN(dsn) {
		// Every connection to :memory: is a separate database.
		maxOpen, maxIdle = 1, 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d, err := New(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	obs.Pkg("db").Info("database opened", "dialect", d.dialect.Name(), "max_open_conns", maxOpen)
	return d, nil
}

// New wraps an already open handle, detecting its dialect from the driver.
func New(sqlDB *sql.DB) (*DB, error) {
	d, err := dialect.Detect(sqlDB)
	if err != nil {
		return nil, err
	}
	return &DB{db: sqlDB, dialect: d}, nil
}

func resolve(cfg Config) (driverName, dsn string, err error) {
	raw := strings.TrimSpace(cfg.URL)
	switch {
	case raw == "":
		return "", "", errors.New("database URL is empty")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return postgresDriverName, raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		raw = strings.TrimPrefix(raw, "sqlite://")
	case strings.Contains(raw, "://"):
		return "", "", fmt.Errorf("unsupported database URL scheme in %q", redactURL(raw))
	}

	path := strings.TrimPrefix(raw, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != "" && path != ":memory:" && !strings.Contains(raw, "mode=memory") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return "", "", fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	dsn = appendSQLiteParams(raw, sqliteCommonParams())
	if len(cfg.SQLiteKey) > 0 {
		dsn = appendSQLiteParams(dsn, fmt.Sprintf("_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(cfg.SQLiteKey)))
	}
	return SQLiteDriverName, dsn, nil
}

// redactURL drops credentials from a connection string before it is logged or
// returned in an error.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// Dialect returns the handle's dialect.
func (d *DB) Dialect() dialect.Dialect { return d.dialect }

// Rebind converts '?' placeholders for the handle's dialect.
func (d *DB) Rebind(query string) string { return d.dialect.Rebind(query) }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}

// Close closes the handle.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Migrate brings the schema up to date. See schema.Migrate.
func (d *DB) Migrate(ctx context.Context, opts ...schema.Option) (int, error) {
	return schema.Migrate(ctx, d.db, d.dialect, schema.NewManager(opts...))
}

// PendingChanges lists schema changes that a Migrate call would start with.
func (d *DB) PendingChanges(ctx context.Context) ([]string, error) {
	return schema.NewManager().ListUnappliedChanges(ctx, d.db, d.dialect)
}

// Queryer is implemented by *DB and *Tx; both rebind placeholders.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() dialect.Dialect
}

// Tx is a transaction bound to the dialect of the DB that began it.
type Tx struct {
	tx      *sql.Tx
	dialect dialect.Dialect
}

func (t *Tx) Dialect() dialect.Dialect { return t.dialect }

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// WithTx runs fn in a transaction, committing when it returns nil and rolling
// back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, dialect: d.dialect}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InsertReturningID runs an INSERT and returns the generated key of idColumn.
// PostgreSQL appends RETURNING; SQLite uses LastInsertId.
func InsertReturningID(ctx context.Context, q Queryer, idColumn, query string, args ...any) (int64, error) {
	if q.Dialect().IsPostgres() {
		var id int64
		if err := q.QueryRowContext(ctx, query+" RETURNING "+idColumn, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
