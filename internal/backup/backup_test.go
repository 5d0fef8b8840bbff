package backup

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/compass/internal/crypto"
	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/s3client"
	"github.com/kuitang/compass/internal/storage"
	"github.com/kuitang/compass/internal/testdb"
)

type fixture struct {
	db    *db.DB
	kek   *crypto.PlaintextKEK
	keys  *crypto.KeyManager
	store *storage.Store
	svc   *Service
}

func setup(t *testing.T, orgs int) *fixture {
	t.Helper()
	d := testdb.NewSQLite(t)
	kek, err := crypto.NewPlaintextKEK(bytes.Repeat([]byte{3}, 32), 1)
	require.NoError(t, err)
	km, err := crypto.NewKeyManager(kek, d)
	require.NoError(t, err)
	t.Cleanup(km.Close)
	store, err := storage.New(d, km)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < orgs; i++ {
		org, err := store.CreateOrganization(ctx, "org", "")
		require.NoError(t, err)
		_, err = km.GetOrCreateDEK(ctx, org.ID)
		require.NoError(t, err)
	}

	svc := New(d, s3client.TestClient(t, "escrow", "compass"), kek.Name())
	return &fixture{db: d, kek: kek, keys: km, store: store, svc: svc}
}

func TestExportLoadVerify(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()

	key, snap, err := f.svc.Export(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 5)

	latest, err := f.svc.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, key, latest)

	loaded, err := f.svc.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, FormatVersion, loaded.Format)
	require.Equal(t, f.kek.Name(), loaded.KEK)
	require.Equal(t, snap.Entries, loaded.Entries)

	n, err := f.svc.Verify(ctx, loaded, f.kek)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestSnapshotHoldsNoPlaintextDEK(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	key, snap, err := f.svc.Export(ctx)
	require.NoError(t, err)
	raw, err := f.svc.objects.GetObject(ctx, key)
	require.NoError(t, err)

	for _, e := range snap.Entries {
		dek, err := f.keys.GetDEK(ctx, e.OrganizationID)
		require.NoError(t, err)
		require.False(t, bytes.Contains(e.EncryptedDEK, dek))
		require.False(t, bytes.Contains(raw, dek))
	}
}

func TestVerifyWithWrongKEKFails(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	_, snap, err := f.svc.Export(ctx)
	require.NoError(t, err)

	other, err := crypto.NewPlaintextKEK(bytes.Repeat([]byte{9}, 32), 1)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, snap, other)
	require.ErrorIs(t, err, crypto.ErrDecryption)
}

func TestRestoreOnlyFillsMissingRows(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	_, snap, err := f.svc.Export(ctx)
	require.NoError(t, err)

	lost := snap.Entries[1].OrganizationID
	_, err = f.db.ExecContext(ctx, `DELETE FROM encrypted_deks WHERE organization_id = ?`, lost)
	require.NoError(t, err)

	// An organization deleted after the export takes its DEK row with it.
	gone := snap.Entries[2].OrganizationID
	require.NoError(t, f.store.DeleteOrganization(ctx, gone))

	n, err := f.svc.Restore(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	count, err := f.db.CountEncryptedDEKs(ctx, gone)
	require.NoError(t, err)
	require.Zero(t, count, "deleted organization must not get its DEK back")

	row, err := f.db.GetEncryptedDEK(ctx, lost)
	require.NoError(t, err)
	require.Equal(t, snap.Entries[1].EncryptedDEK, row.EncryptedDEK)

	n, err = f.svc.Restore(ctx, snap)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLatestPicksNewest(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	_, err := f.svc.Latest(ctx)
	require.ErrorIs(t, err, ErrNoSnapshots)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.svc.now = func() time.Time { return base }
	_, _, err = f.svc.Export(ctx)
	require.NoError(t, err)
	f.svc.now = func() time.Time { return base.Add(time.Hour) }
	newest, _, err := f.svc.Export(ctx)
	require.NoError(t, err)

	latest, err := f.svc.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, newest, latest)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.svc.objects.PutObject(ctx, "deks/future.json", []byte(`{"format":99,"entries":[]}`), "application/json"))

	_, err := f.svc.Load(ctx, "deks/future.json")
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = f.svc.Load(ctx, "deks/missing.json")
	require.ErrorIs(t, err, s3client.ErrObjectNotFound)
}
