package db

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/stretchr/testify/require"
)

func TestResolve_PicksDriverFromScheme(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		url    string
		driver string
	}{
		{"postgres://u:p@localhost/compass", postgresDriverName},
		{"postgresql://u:p@localhost/compass?sslmode=disable", postgresDriverName},
		{"sqlite://" + filepath.Join(dir, "a.db"), SQLiteDriverName},
		{"file:" + filepath.Join(dir, "b.db"), SQLiteDriverName},
		{filepath.Join(dir, "nested", "c.db"), SQLiteDriverName},
		{":memory:", SQLiteDriverName},
	}
	for _, tc := range cases {
		driver, dsn, err := resolve(Config{URL: tc.url})
		require.NoError(t, err, tc.url)
		require.Equal(t, tc.driver, driver, tc.url)
		if driver == SQLiteDriverName {
			require.Contains(t, dsn, "_foreign_keys=on")
			require.Contains(t, dsn, "_busy_timeout=5000")
			require.NotContains(t, dsn, "sqlite://")
		} else {
			require.Equal(t, tc.url, dsn)
		}
	}
	require.DirExists(t, filepath.Join(dir, "nested"))
}

func TestResolve_RejectsUnknownSchemes(t *testing.T) {
	_, _, err := resolve(Config{URL: ""})
	require.Error(t, err)

	_, _, err = resolve(Config{URL: "mysql://root:hunter2@db/compass"})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "hunter2")
}

func TestResolve_SQLiteKeyAddsCipherPragma(t *testing.T) {
	_, dsn, err := resolve(Config{URL: filepath.Join(t.TempDir(), "k.db"), SQLiteKey: []byte{0xab, 0xcd}})
	require.NoError(t, err)
	require.True(t, strings.Contains(dsn, "_pragma_key=x'abcd'"), dsn)
}

func TestRedactURL(t *testing.T) {
	require.Equal(t, "postgres://***@db:5432/x", redactURL("postgres://user:secret@db:5432/x"))
	require.Equal(t, "/tmp/a.db", redactURL("/tmp/a.db"))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	require.False(t, IsUniqueViolation(errors.New("UNIQUE constraint failed")))
	require.False(t, IsUniqueViolation(nil))
}
