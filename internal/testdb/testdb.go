// Package testdb opens migrated throwaway databases for tests.
package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kuitang/compass/internal/db"
)

// PostgresURLEnv names the variable that enables PostgreSQL-backed tests.
const PostgresURLEnv = "COMPASS_TEST_POSTGRES_URL"

var seq atomic.Int64

// NewSQLite returns a migrated SQLite database in a temp file. A file rather than
// a shared-cache memory database keeps concurrent writers on SQLite's normal
// WAL locking, which the busy timeout handles.
func NewSQLite(t testing.TB) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("compass-%d.db", seq.Add(1)))
	d, err := db.Open(context.Background(), db.Config{URL: "sqlite://" + path})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := applyFastSQLitePragmas(d); err != nil {
		t.Fatalf("apply fast SQLite pragmas: %v", err)
	}
	if _, err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return d
}

// NewPostgres returns a migrated database on the server named by
// COMPASS_TEST_POSTGRES_URL, skipping the test when it is unset. Tables are
// dropped again on cleanup.
func NewPostgres(t testing.TB) *db.DB {
	t.Helper()
	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skip(PostgresURLEnv + " not set")
	}
	d, err := db.Open(context.Background(), db.Config{URL: url})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() {
		_, _ = d.ExecContext(context.Background(), `DROP TABLE IF EXISTS
			processed_webhook_events, context_status, encrypted_deks, onboarding_states, plan_limits,
			bonus_answer_grants, referral_tokens, org_users, usage_tracking, bot_to_connections,
			connections, bot_instances, organizations CASCADE`)
		d.Close()
	})
	if _, err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	return d
}

// applyFastSQLitePragmas trades durability for speed; test data is disposable.
func applyFastSQLitePragmas(d *db.DB) error {
	pragmas := []string{
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA secure_delete=OFF",
	}
	for _, pragma := range pragmas {
		if _, err := d.SQL().Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
