package schema

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/compass/internal/dialect"
)

// openPostgres returns a handle pinned to a fresh schema, or skips when no
// server is configured.
func openPostgres(t *testing.T) *sql.DB {
	t.Helper()
	raw := os.Getenv("COMPASS_TEST_POSTGRES_URL")
	if raw == "" {
		t.Skip("COMPASS_TEST_POSTGRES_URL not set")
	}
	admin, err := sql.Open("pgx", raw)
	require.NoError(t, err)
	defer admin.Close()

	name := fmt.Sprintf("compass_test_%d", time.Now().UnixNano())
	_, err = admin.Exec("CREATE SCHEMA " + name)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanup, err := sql.Open("pgx", raw)
		if err == nil {
			_, _ = cleanup.Exec("DROP SCHEMA " + name + " CASCADE")
			cleanup.Close()
		}
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", name)
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_DialectParity(t *testing.T) {
	pg := openPostgres(t)
	lite := openSQLite(t)

	d, err := dialect.Detect(pg)
	require.NoError(t, err)
	require.True(t, d.IsPostgres())

	ctx := context.Background()
	_, err = Migrate(ctx, pg, d, NewManager())
	require.NoError(t, err)
	migrateAll(t, lite)

	for _, table := range []string{
		"organizations", "connections", "bot_to_connections", "bot_instances",
		"encrypted_deks", "usage_tracking", "org_users",
	} {
		require.Equal(t, columnNames(t, lite, dialect.SQLite, table), columnNames(t, pg, d, table), table)
	}

	c := NewConn(pg, d)
	hasFK, err := c.HasForeignKey(ctx, "bot_to_connections", "organizations")
	require.NoError(t, err)
	require.True(t, hasFK)
	notNull, err := c.ColumnNotNull(ctx, "org_users", "slack_user_id")
	require.NoError(t, err)
	require.True(t, notNull)

	n, err := Migrate(ctx, pg, d, NewManager())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPostgres_UsageMigrationCarriesRows(t *testing.T) {
	pg := openPostgres(t)
	d := dialect.Postgres
	ctx := context.Background()

	var legacy []Change
	for _, ch := range Changes() {
		if ch.Version() <= 24 {
			legacy = append(legacy, ch)
		}
	}
	_, err := Migrate(ctx, pg, d, NewManager(WithChanges(legacy...)))
	require.NoError(t, err)
	_, err = pg.Exec(`INSERT INTO organizations (organization_name) VALUES ('acme')`)
	require.NoError(t, err)
	_, err = pg.Exec(`INSERT INTO usage_tracking (organization_id, answer_count) VALUES (1, 11)`)
	require.NoError(t, err)

	_, err = Migrate(ctx, pg, d, NewManager())
	require.NoError(t, err)

	now := time.Now().UTC()
	var month, year, count int
	require.NoError(t, pg.QueryRow(`SELECT month, year, answer_count FROM usage_tracking WHERE organization_id = 1`).
		Scan(&month, &year, &count))
	require.Equal(t, int(now.Month()), month)
	require.Equal(t, now.Year(), year)
	require.Equal(t, 11, count)
}
