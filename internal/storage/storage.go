// Package storage is the tenant data facade over the migrated schema. It owns
// the connection URL encryption policy: callers hand it plaintext URLs and get
// plaintext back, and never touch encrypted_url themselves.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kuitang/compass/internal/crypto"
	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/errs"
	"github.com/kuitang/compass/internal/obs"
)

// Store is safe for concurrent use.
type Store struct {
	db      *db.DB
	keys    *crypto.KeyManager
	encrypt bool
	clock   Clock
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithEncryption turns connection URL encryption on or off for writes. It
// defaults to on whenever a key manager is supplied. Reads always decrypt
// encrypted rows regardless of this setting.
func WithEncryption(enabled bool) Option {
	return func(s *Store) { s.encrypt = enabled }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Store. keys may be nil only when encryption is disabled and
// no encrypted rows will be read.
func New(d *db.DB, keys *crypto.KeyManager, opts ...Option) (*Store, error) {
	if d == nil {
		return nil, errors.New("storage: database is nil")
	}
	s := &Store{
		db:      d,
		keys:    keys,
		encrypt: keys != nil,
		clock:   realClock{},
		logger:  obs.Pkg("storage"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.encrypt && s.keys == nil {
		return nil, errors.New("storage: encryption enabled without a key manager")
	}
	return s, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *db.DB { return s.db }

// EncryptionEnabled reports whether new connection URLs are encrypted.
func (s *Store) EncryptionEnabled() bool { return s.encrypt }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func notFound(format string, args ...any) error {
	return errs.Wrap(errs.NotFound, fmt.Sprintf(format, args...), db.ErrNotFound)
}

func isNotFound(err error) bool { return errs.CodeOf(err) == errs.NotFound }

func invalid(format string, args ...any) error {
	return errs.New(errs.InvalidArgument, fmt.Sprintf(format, args...))
}

// expectRow turns a zero-row UPDATE or DELETE into err.
func expectRow(res sql.Result, err error) error {
	n, rerr := res.RowsAffected()
	if rerr != nil {
		return rerr
	}
	if n == 0 {
		return err
	}
	return nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func rowsOf[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// isNoRows is errors.Is(err, sql.ErrNoRows), named for readability at call sites.
func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// nullBytes maps a nil slice to SQL NULL.
func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
