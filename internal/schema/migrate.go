package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3/lock"

	"github.com/kuitang/compass/internal/dialect"
)

// migrationLockID is the PostgreSQL advisory lock key held while migrating.
const migrationLockID int64 = 0x636f6d70617373 // "compass"

// Migrate runs ApplyAllChanges on a dedicated connection, serialized against
// other processes migrating the same database, in a single transaction.
//
// PostgreSQL: a session advisory lock is held for the duration of the run.
// SQLite: foreign key enforcement is switched off on the connection (it cannot
// be changed inside a transaction), the transaction starts with BEGIN IMMEDIATE so
// a second migrator blocks on the write lock, and PRAGMA foreign_key_check must
// come back empty before the commit.
//
// Any failure rolls everything back.
func Migrate(ctx context.Context, db *sql.DB, d dialect.Dialect, m *Manager) (int, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if d.IsPostgres() {
		return migratePostgres(ctx, conn, d, m)
	}
	return migrateSQLite(ctx, conn, d, m)
}

func migratePostgres(ctx context.Context, conn *sql.Conn, d dialect.Dialect, m *Manager) (applied int, err error) {
	locker, err := lock.NewPostgresSessionLocker(lock.WithLockID(migrationLockID))
	if err != nil {
		return 0, fmt.Errorf("create migration locker: %w", err)
	}
	if err := locker.SessionLock(ctx, conn); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		// Unlock with a fresh context so a cancelled run still releases the lock.
		if uerr := locker.SessionUnlock(context.Background(), conn); uerr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", uerr)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin migration: %w", err)
	}
	applied, err = m.ApplyAllChanges(ctx, tx, d)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migration: %w", err)
	}
	return applied, nil
}

func migrateSQLite(ctx context.Context, conn *sql.Conn, d dialect.Dialect, m *Manager) (applied int, err error) {
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return 0, fmt.Errorf("disable foreign keys: %w", err)
	}
	defer func() {
		// The connection goes back to the pool; restore enforcement on it.
		if _, ferr := conn.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); ferr != nil && err == nil {
			err = fmt.Errorf("re-enable foreign keys: %w", ferr)
		}
	}()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return 0, fmt.Errorf("begin migration: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	applied, err = m.ApplyAllChanges(ctx, conn, d)
	if err != nil {
		return 0, err
	}
	if err := foreignKeyCheck(ctx, conn); err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return 0, fmt.Errorf("commit migration: %w", err)
	}
	committed = true
	return applied, nil
}

// ErrForeignKeyViolation is returned when a migration leaves dangling references.
var ErrForeignKeyViolation = errors.New("foreign key violation after migration")

func foreignKeyCheck(ctx context.Context, conn *sql.Conn) error {
	rows, err := conn.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("foreign key check: %w", err)
		}
		return fmt.Errorf("%w: %s row %d references missing %s", ErrForeignKeyViolation, table, rowid.Int64, parent)
	}
	return rows.Err()
}
