package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/kuitang/compass/internal/dialect"
)

var dbSeq atomic.Int64

// tb is the part of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

func openSQLiteAt(t tb, dir string) *sql.DB {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("schema-%d.db", dbSeq.Add(1)))
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db := openSQLiteAt(t, t.TempDir())
	t.Cleanup(func() { db.Close() })
	return db
}

// applyThrough migrates db with only the catalogue entries up to and including version.
func applyThrough(t tb, db *sql.DB, version int) {
	t.Helper()
	var subset []Change
	for _, ch := range Changes() {
		if ch.Version() <= version {
			subset = append(subset, ch)
		}
	}
	if _, err := Migrate(context.Background(), db, dialect.SQLite, NewManager(WithChanges(subset...))); err != nil {
		t.Fatalf("apply through v%d: %v", version, err)
	}
}

func migrateAll(t tb, db *sql.DB) int {
	t.Helper()
	n, err := Migrate(context.Background(), db, dialect.SQLite, NewManager())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return n
}

func columnNames(t tb, db *sql.DB, d dialect.Dialect, table string) []string {
	t.Helper()
	cols, err := NewConn(db, d).Columns(context.Background(), table)
	if err != nil {
		t.Fatalf("columns %s: %v", table, err)
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}

func schemaDump(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`SELECT type || ':' || name || ':' || COALESCE(sql, '') FROM sqlite_master ORDER BY type, name`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestIntrospection_MissingObjectsAreFalse(t *testing.T) {
	db := openSQLite(t)
	c := NewConn(db, dialect.SQLite)
	ctx := context.Background()

	ok, err := c.TableExists(ctx, "organizations")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.ColumnExists(ctx, "organizations", "organization_name")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.IndexExists(ctx, "idx_connections_organization_id")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.HasForeignKey(ctx, "bot_to_connections", "organizations")
	require.NoError(t, err)
	require.False(t, ok)

	cols, err := c.Columns(ctx, "organizations")
	require.NoError(t, err)
	require.Empty(t, cols)
}

func TestChanges_VersionsIncreaseNamesUnique(t *testing.T) {
	m := NewManager()
	seen := map[string]bool{}
	last := 0
	for _, ch := range m.All() {
		require.Greater(t, ch.Version(), last, "version of %s", ch.Name())
		last = ch.Version()
		require.False(t, seen[ch.Name()], "duplicate name %s", ch.Name())
		seen[ch.Name()] = true
	}
	require.Len(t, Changes(), 37)
}

func TestApplyAllChanges_FreshBootstrap(t *testing.T) {
	db := openSQLite(t)
	applied := migrateAll(t, db)
	require.Greater(t, applied, 0)

	require.Equal(t, []string{
		"contextstore_github_repo", "created_at", "has_governance_channel", "organization_id",
		"organization_industry", "organization_name", "stripe_customer_id",
		"stripe_subscription_id", "stripe_subscription_status",
	}, columnNames(t, db, dialect.SQLite, "organizations"))

	require.Equal(t, []string{
		"additional_sql_dialect", "connection_name", "created_at",
		"data_documentation_contextstore_github_repo", "encrypted_url", "id", "init_sql",
		"organization_id", "updated_at", "url",
	}, columnNames(t, db, dialect.SQLite, "connections"))

	require.Equal(t, []string{
		"bot_id", "connection_name", "created_at", "id", "organization_id", "updated_at",
	}, columnNames(t, db, dialect.SQLite, "bot_to_connections"))

	require.Equal(t, []string{
		"created_at", "encrypted_dek", "id", "kek_version", "organization_id", "updated_at",
	}, columnNames(t, db, dialect.SQLite, "encrypted_deks"))

	require.Equal(t, []string{
		"answer_count", "bonus_answers_used", "id", "month", "organization_id", "updated_at", "year",
	}, columnNames(t, db, dialect.SQLite, "usage_tracking"))

	require.NotContains(t, columnNames(t, db, dialect.SQLite, "bot_instances"), "slack_bot_token")

	c := NewConn(db, dialect.SQLite)
	ctx := context.Background()
	for _, idx := range []string{
		"idx_connections_organization_id", "idx_bot_to_connections_org_bot",
		"idx_org_users_email", "idx_bot_instances_deleted_at",
	} {
		ok, err := c.IndexExists(ctx, idx)
		require.NoError(t, err)
		require.True(t, ok, idx)
	}
	hasFK, err := c.HasForeignKey(ctx, "bot_to_connections", "organizations")
	require.NoError(t, err)
	require.True(t, hasFK)
	notNull, err := c.ColumnNotNull(ctx, "org_users", "slack_user_id")
	require.NoError(t, err)
	require.True(t, notNull)
}

func TestApplyAllChanges_Converges(t *testing.T) {
	db := openSQLite(t)
	migrateAll(t, db)
	before := schemaDump(t, db)

	var calls int
	m := NewManager(WithObserver(func(Change) { calls++ }))
	n, err := Migrate(context.Background(), db, dialect.SQLite, m)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, calls)

	pending, err := m.ListUnappliedChanges(context.Background(), db, dialect.SQLite)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, before, schemaDump(t, db))
}

func TestApplyAllChanges_UpgradesEveryPriorState(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		version := rapid.IntRange(0, len(Changes())).Draw(rt, "version")
		db := openSQLiteAt(t, t.TempDir())
		defer db.Close()
		applyThrough(rt, db, version)
		migrateAll(rt, db)

		pending, err := NewManager().ListUnappliedChanges(context.Background(), db, dialect.SQLite)
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		if len(pending) != 0 {
			rt.Fatalf("pending after upgrade from v%d: %v", version, pending)
		}
		got := columnNames(rt, db, dialect.SQLite, "bot_instances")
		if fmt.Sprint(got) != fmt.Sprint([]string{"bot_id", "channel_name", "created_at", "deleted_at", "id", "organization_id", "updated_at"}) {
			rt.Fatalf("bot_instances columns from v%d: %v", version, got)
		}
	})
}

func TestListUnappliedChanges_DoesNotMutate(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 5)
	before := schemaDump(t, db)

	pending, err := NewManager().ListUnappliedChanges(context.Background(), db, dialect.SQLite)
	require.NoError(t, err)
	require.Contains(t, pending, "add_organizations_industry_column")
	require.Contains(t, pending, "remove_bot_instances_slack_bot_token_column")
	require.NotContains(t, pending, "create_organizations_table")
	require.Equal(t, before, schemaDump(t, db))
}

// TestRebuild_PreservesRows loads legacy bot_instances rows carrying the old token
// column and checks the rebuild keeps every row while dropping only that column.
func TestRebuild_PreservesRows(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		db := openSQLiteAt(t, dir)
		defer db.Close()
		applyThrough(rt, db, 24)

		if _, err := db.Exec(`INSERT INTO organizations (organization_name) VALUES ('acme')`); err != nil {
			rt.Fatalf("insert org: %v", err)
		}
		n := rapid.IntRange(0, 25).Draw(rt, "rows")
		channels := make(map[string]string, n)
		for i := 0; i < n; i++ {
			botID := fmt.Sprintf("bot-%d", i)
			channel := rapid.StringMatching(`[a-z#-]{0,12}`).Draw(rt, "channel")
			channels[botID] = channel
			if _, err := db.Exec(`INSERT INTO bot_instances (organization_id, bot_id, channel_name, slack_bot_token)
				VALUES (1, ?, ?, ?)`, botID, channel, "xoxb-"+botID); err != nil {
				rt.Fatalf("insert bot: %v", err)
			}
		}

		migrateAll(rt, db)

		ok, err := NewConn(db, dialect.SQLite).ColumnExists(context.Background(), "bot_instances", "slack_bot_token")
		if err != nil || ok {
			rt.Fatalf("slack_bot_token still present (err=%v)", err)
		}
		rows, err := db.Query(`SELECT bot_id, channel_name FROM bot_instances WHERE organization_id = 1`)
		if err != nil {
			rt.Fatalf("select: %v", err)
		}
		defer rows.Close()
		got := 0
		for rows.Next() {
			var botID string
			var channel sql.NullString
			if err := rows.Scan(&botID, &channel); err != nil {
				rt.Fatalf("scan: %v", err)
			}
			if channels[botID] != channel.String {
				rt.Fatalf("bot %s channel = %q, want %q", botID, channel.String, channels[botID])
			}
			got++
		}
		if got != n {
			rt.Fatalf("rows after rebuild = %d, want %d", got, n)
		}
	})
}

func TestRebuild_KeepsIndexesAndAutoincrement(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 28)
	_, err := db.Exec(`INSERT INTO organizations (organization_name) VALUES ('acme')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO bot_to_connections (organization_id, bot_id, connection_name) VALUES (1, 'b', 'c')`)
	require.NoError(t, err)

	migrateAll(t, db)

	var ddl string
	require.NoError(t, db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'bot_to_connections'`).Scan(&ddl))
	require.Contains(t, ddl, "AUTOINCREMENT")
	ok, err := NewConn(db, dialect.SQLite).IndexExists(context.Background(), "idx_bot_to_connections_org_bot")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = db.Exec(`INSERT INTO bot_to_connections (organization_id, bot_id, connection_name) VALUES (1, 'b', 'c')`)
	require.Error(t, err, "unique constraint must survive the rebuild")
}

func TestRebuild_OrgUsersBackfillsNullSlackIDs(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 27)
	_, err := db.Exec(`INSERT INTO organizations (organization_name) VALUES ('acme')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO org_users (organization_id, slack_user_id, email) VALUES (1, NULL, 'a@example.com'), (1, 'U1', 'b@example.com')`)
	require.NoError(t, err)

	migrateAll(t, db)

	var ids []string
	rows, err := db.Query(`SELECT slack_user_id FROM org_users ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.Equal(t, []string{"unknown:1", "U1"}, ids)

	_, err = db.Exec(`INSERT INTO org_users (organization_id, slack_user_id) VALUES (1, NULL)`)
	require.Error(t, err)
}

func TestRebuild_BotToConnectionsForeignKey(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 28)
	_, err := db.Exec(`INSERT INTO organizations (organization_name) VALUES ('acme')`)
	require.NoError(t, err)
	// Orphan rows were possible before the foreign key existed.
	_, err = db.Exec(`INSERT INTO bot_to_connections (organization_id, bot_id, connection_name) VALUES (1, 'b', 'c'), (42, 'b', 'c')`)
	require.NoError(t, err)

	migrateAll(t, db)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM bot_to_connections`).Scan(&n))
	require.Equal(t, 1, n)

	_, err = db.Exec(`DELETE FROM organizations WHERE organization_id = 1`)
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM bot_to_connections`).Scan(&n))
	require.Zero(t, n, "mapping rows cascade with their organization")
}

func TestUsageMigration_CarriesRowsIntoCurrentMonth(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 24)
	_, err := db.Exec(`INSERT INTO organizations (organization_name) VALUES ('a'), ('b')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO usage_tracking (organization_id, answer_count) VALUES (1, 7), (2, 0)`)
	require.NoError(t, err)

	migrateAll(t, db)

	now := time.Now().UTC()
	var month, year, count int
	require.NoError(t, db.QueryRow(`SELECT month, year, answer_count FROM usage_tracking WHERE organization_id = 1`).
		Scan(&month, &year, &count))
	require.Equal(t, int(now.Month()), month)
	require.Equal(t, now.Year(), year)
	require.Equal(t, 7, count)

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM usage_tracking`).Scan(&rows))
	require.Equal(t, 2, rows)
}

func TestUsageMigration_EmptyTableIsRecreated(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 24)
	migrateAll(t, db)
	require.Equal(t, []string{
		"answer_count", "bonus_answers_used", "id", "month", "organization_id", "updated_at", "year",
	}, columnNames(t, db, dialect.SQLite, "usage_tracking"))
}

func TestUsageMigration_PartialStateStillNeeded(t *testing.T) {
	db := openSQLite(t)
	applyThrough(t, db, 24)
	_, err := db.Exec(`ALTER TABLE usage_tracking ADD COLUMN month INTEGER`)
	require.NoError(t, err)

	needed, err := usageIsCumulative(context.Background(), NewConn(db, dialect.SQLite))
	require.NoError(t, err)
	require.True(t, needed)

	migrateAll(t, db)
	needed, err = usageIsCumulative(context.Background(), NewConn(db, dialect.SQLite))
	require.NoError(t, err)
	require.False(t, needed)
}

func TestApplyAllChanges_WrapsFailure(t *testing.T) {
	db := openSQLite(t)
	cause := errors.New("boom")
	m := NewManager(WithChanges(
		newCreateTable(1, "create_scratch_table", "scratch", func(dialect.Dialect) string {
			return "CREATE TABLE IF NOT EXISTS scratch (id INTEGER)"
		}),
		&funcChange{
			meta:   meta{2, "explode"},
			needed: func(context.Context, *Conn) (bool, error) { return true, nil },
			apply:  func(context.Context, *Conn) error { return cause },
		},
	))

	_, err := Migrate(context.Background(), db, dialect.SQLite, m)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMigrationFailed)
	require.ErrorIs(t, err, cause)
	var merr *MigrationError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "explode", merr.Change)
	require.Equal(t, 2, merr.Version)

	ok, err := NewConn(db, dialect.SQLite).TableExists(context.Background(), "scratch")
	require.NoError(t, err)
	require.False(t, ok, "earlier changes roll back with the failed one")
}

func TestApplyAllChanges_NeverCallsApplyWhenNotNeeded(t *testing.T) {
	db := openSQLite(t)
	migrateAll(t, db)
	c := NewConn(db, dialect.SQLite)
	for _, ch := range NewManager().All() {
		needed, err := ch.IsNeeded(context.Background(), c)
		require.NoError(t, err)
		require.False(t, needed, ch.Name())
	}
}

func TestMigrate_ConcurrentRunnersSerialize(t *testing.T) {
	dir := t.TempDir()
	first := openSQLiteAt(t, dir)
	defer first.Close()
	var path string
	require.NoError(t, first.QueryRow(`SELECT file FROM pragma_database_list WHERE name = 'main'`).Scan(&path))

	var g errgroup.Group
	var total atomic.Int64
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on")
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := Migrate(context.Background(), db, dialect.SQLite, NewManager())
			total.Add(int64(n))
			return err
		})
	}
	require.NoError(t, g.Wait())

	pending, err := NewManager().ListUnappliedChanges(context.Background(), first, dialect.SQLite)
	require.NoError(t, err)
	require.Empty(t, pending)

	single := openSQLite(t)
	require.Equal(t, int64(migrateAll(t, single)), total.Load(), "exactly one runner did the work")
}
