package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kuitang/compass/internal/dialect"
	"github.com/kuitang/compass/internal/obs"
)

// ErrMigrationFailed matches every error returned by ApplyAllChanges.
var ErrMigrationFailed = errors.New("schema migration failed")

// MigrationError identifies the change that failed. The underlying cause is
// reachable through errors.Is / errors.As.
type MigrationError struct {
	Change  string
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d %s failed: %v", e.Version, e.Change, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMigrationFailed) true for any MigrationError.
func (e *MigrationError) Is(target error) bool { return target == ErrMigrationFailed }

// Observer is told about every change that was actually applied.
type Observer func(ch Change)

// Manager owns the ordered change list.
type Manager struct {
	changes  []Change
	post     []Change
	verbose  bool
	logger   *slog.Logger
	observer Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithVerbose logs each applied change at info level.
func WithVerbose(verbose bool) Option {
	return func(m *Manager) { m.verbose = verbose }
}

// WithLogger replaces the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver registers a callback invoked after each successful Apply.
func WithObserver(fn Observer) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithChanges overrides the catalogue. Tests use it to exercise failure paths.
func WithChanges(changes ...Change) Option {
	return func(m *Manager) {
		m.changes = changes
		m.post = nil
	}
}

// NewManager returns a manager over the full catalogue.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		changes: Changes(),
		post:    postChanges(),
		logger:  obs.Pkg("schema"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// All returns the main list followed by the post-sequence changes.
func (m *Manager) All() []Change {
	all := make([]Change, 0, len(m.changes)+len(m.post))
	all = append(all, m.changes...)
	return append(all, m.post...)
}

// ApplyAllChanges runs every change whose IsNeeded reports true, in order.
//
// The caller owns the transaction: q is normally a *sql.Tx and this method never
// commits or rolls back. The first failure aborts the run and is returned as a
// *MigrationError. It returns the number of changes applied.
func (m *Manager) ApplyAllChanges(ctx context.Context, q Querier, d dialect.Dialect) (int, error) {
	c := NewConn(q, d)
	applied := 0
	for _, ch := range m.All() {
		if err := ctx.Err(); err != nil {
			return applied, &MigrationError{Change: ch.Name(), Version: ch.Version(), Err: err}
		}
		needed, err := ch.IsNeeded(ctx, c)
		if err != nil {
			return applied, &MigrationError{Change: ch.Name(), Version: ch.Version(), Err: fmt.Errorf("check: %w", err)}
		}
		if !needed {
			continue
		}
		if err := ch.Apply(ctx, c); err != nil {
			return applied, &MigrationError{Change: ch.Name(), Version: ch.Version(), Err: err}
		}
		applied++
		if m.verbose {
			m.logger.Info("schema change applied", "version", ch.Version(), "change", ch.Name(), "dialect", d.Name())
		}
		if m.observer != nil {
			m.observer(ch)
		}
	}
	return applied, nil
}

// ListUnappliedChanges returns the names of the changes whose IsNeeded is
// currently true. It never mutates the database.
//
// Because later checks assume earlier changes ran, on an old database this
// reports what is pending right now, not necessarily everything a full run
// would apply: e.g. a fresh database lists the conditional deleted_at index
// only once its column exists.
func (m *Manager) ListUnappliedChanges(ctx context.Context, q Querier, d dialect.Dialect) ([]string, error) {
	c := NewConn(q, d)
	var names []string
	for _, ch := range m.All() {
		needed, err := ch.IsNeeded(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", ch.Name(), err)
		}
		if needed {
			names = append(names, ch.Name())
		}
	}
	return names, nil
}
