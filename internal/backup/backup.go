// Package backup escrows the wrapped organization DEKs to object storage.
// Snapshots only ever contain KEK-wrapped ciphertext; restoring one is useless
// without access to the KEK that produced it.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuitang/compass/internal/crypto"
	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/s3client"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

const keyPrefix = "deks/"

var (
	// ErrNoSnapshots is returned by Latest when the bucket holds none.
	ErrNoSnapshots = errors.New("backup: no snapshots")
	// ErrUnsupportedFormat is returned for snapshots written by a newer format.
	ErrUnsupportedFormat = errors.New("backup: unsupported snapshot format")
)

// DEKStore is the slice of the database the backup needs.
type DEKStore interface {
	ListEncryptedDEKs(ctx context.Context) ([]db.EncryptedDEK, error)
	RestoreEncryptedDEK(ctx context.Context, orgID int64, wrapped []byte, kekVersion int) (bool, error)
}

// Entry is one escrowed DEK.
type Entry struct {
	OrganizationID int64  `json:"organization_id"`
	EncryptedDEK   []byte `json:"encrypted_dek"`
	KEKVersion     int    `json:"kek_version"`
}

// Snapshot is the JSON document stored per backup run.
type Snapshot struct {
	Format    int       `json:"format"`
	CreatedAt time.Time `json:"created_at"`
	KEK       string    `json:"kek"`
	Entries   []Entry   `json:"entries"`
}

// Service exports and restores DEK snapshots.
type Service struct {
	store   DEKStore
	objects *s3client.Client
	kekName string
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a backup service. kekName is recorded in snapshots so an
// operator knows which backend can unwrap them.
func New(store DEKStore, objects *s3client.Client, kekName string) *Service {
	return &Service{
		store:   store,
		objects: objects,
		kekName: kekName,
		now:     time.Now,
		logger:  obs.Pkg("backup"),
	}
}

// Export writes a snapshot of every wrapped DEK and returns its key.
func (s *Service) Export(ctx context.Context) (string, *Snapshot, error) {
	rows, err := s.store.ListEncryptedDEKs(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read DEKs for backup: %w", err)
	}
	snap := &Snapshot{
		Format:    FormatVersion,
		CreatedAt: s.now().UTC(),
		KEK:       s.kekName,
		Entries:   make([]Entry, 0, len(rows)),
	}
	for _, r := range rows {
		snap.Entries = append(snap.Entries, Entry{
			OrganizationID: r.OrganizationID,
			EncryptedDEK:   r.EncryptedDEK,
			KEKVersion:     r.KEKVersion,
		})
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	key := keyPrefix + snap.CreatedAt.Format("20060102T150405.000000000Z") + ".json"
	if err := s.objects.PutObject(ctx, key, body, "application/json"); err != nil {
		return "", nil, err
	}
	s.logger.Info("dek snapshot exported", "key", key, "entries", len(snap.Entries))
	return key, snap, nil
}

// Load reads and decodes the snapshot at key.
func (s *Service) Load(ctx context.Context, key string) (*Snapshot, error) {
	body, err := s.objects.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	if snap.Format > FormatVersion || snap.Format < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, snap.Format)
	}
	return &snap, nil
}

// Latest returns the key of the newest snapshot.
func (s *Service) Latest(ctx context.Context) (string, error) {
	keys, err := s.objects.ListKeys(ctx, keyPrefix)
	if err != nil {
		return "", err
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if strings.HasSuffix(keys[i], ".json") {
			return keys[i], nil
		}
	}
	return "", ErrNoSnapshots
}

// Verify unwraps every entry with kek and reports how many succeeded. The
// unwrapped keys are discarded. The first failure is returned.
func (s *Service) Verify(ctx context.Context, snap *Snapshot, kek crypto.KEKProvider) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range snap.Entries {
		g.Go(func() error {
			if _, err := kek.Unwrap(ctx, e.EncryptedDEK, crypto.OrganizationContext(e.OrganizationID)); err != nil {
				return fmt.Errorf("org %d: %w", e.OrganizationID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(snap.Entries), nil
}

// Restore inserts snapshot entries for organizations that have no DEK row.
// Existing rows are never overwritten, and entries for organizations deleted
// since the export are skipped. Returns the number restored.
func (s *Service) Restore(ctx context.Context, snap *Snapshot) (int, error) {
	restored := 0
	for _, e := range snap.Entries {
		ok, err := s.store.RestoreEncryptedDEK(ctx, e.OrganizationID, e.EncryptedDEK, e.KEKVersion)
		if err != nil {
			return restored, fmt.Errorf("failed to restore DEK for org %d: %w", e.OrganizationID, err)
		}
		if ok {
			restored++
		}
	}
	s.logger.Info("dek snapshot restored", "restored", restored, "skipped", len(snap.Entries)-restored)
	return restored, nil
}
