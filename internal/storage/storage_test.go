package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/compass/internal/crypto"
	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/db/testutil"
	"github.com/kuitang/compass/internal/errs"
	"github.com/kuitang/compass/internal/testdb"
)

var orgCounter atomic.Int64

type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newKeyManager(t testing.TB, d *db.DB) *crypto.KeyManager {
	t.Helper()
	kek, err := crypto.NewPlaintextKEK(bytes.Repeat([]byte{0x24}, 32), 1)
	require.NoError(t, err)
	km, err := crypto.NewKeyManager(kek, d)
	require.NoError(t, err)
	t.Cleanup(km.Close)
	return km
}

// setupStore returns an encrypting store over a fresh SQLite database.
func setupStore(t testing.TB, opts ...Option) *Store {
	t.Helper()
	d := testdb.NewSQLite(t)
	s, err := New(d, newKeyManager(t, d), opts...)
	require.NoError(t, err)
	return s
}

func mustOrg(t tb, s *Store) int64 {
	t.Helper()
	o, err := s.CreateOrganization(context.Background(), fmt.Sprintf("org-%d", orgCounter.Add(1)), "")
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return o.ID
}

// rawURLColumns reads the stored url/encrypted_url pair, bypassing the store.
func rawURLColumns(t tb, s *Store, orgID int64, name string) (string, []byte) {
	t.Helper()
	var (
		url string
		enc []byte
	)
	err := s.db.QueryRowContext(context.Background(),
		`SELECT url, encrypted_url FROM connections WHERE organization_id = ? AND connection_name = ?`, orgID, name).
		Scan(&url, &enc)
	if err != nil {
		t.Fatalf("read raw connection: %v", err)
	}
	return url, enc
}

func validURL() *rapid.Generator[string] {
	return testutil.ArbitraryConnectionURL().Filter(func(u string) bool { return strings.TrimSpace(u) != "" })
}

func TestNew_RequiresKeyManagerForEncryption(t *testing.T) {
	d := testdb.NewSQLite(t)
	_, err := New(d, nil, WithEncryption(true))
	require.Error(t, err)

	s, err := New(d, nil)
	require.NoError(t, err)
	require.False(t, s.EncryptionEnabled())

	_, err = New(nil, nil)
	require.Error(t, err)
}

func TestOrganizations_CRUD(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.CreateOrganization(ctx, "  ", "")
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))

	org, err := s.CreateOrganization(ctx, "Acme", "retail")
	require.NoError(t, err)
	require.Equal(t, "Acme", org.Name)
	require.Equal(t, "retail", org.Industry)
	require.False(t, org.HasGovernanceChannel)
	require.False(t, org.CreatedAt.IsZero())

	require.NoError(t, s.UpdateOrganizationIndustry(ctx, org.ID, ""))
	require.NoError(t, s.SetGovernanceChannel(ctx, org.ID, true))
	require.NoError(t, s.SetContextStoreRepo(ctx, org.ID, "acme/context"))
	require.NoError(t, s.UpdateStripeSubscription(ctx, org.ID, "cus_1", "sub_1", "active"))

	got, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.Empty(t, got.Industry)
	require.True(t, got.HasGovernanceChannel)
	require.Equal(t, "acme/context", got.ContextStoreRepo)
	require.Equal(t, "sub_1", got.StripeSubscriptionID)

	byCustomer, err := s.GetOrganizationByStripeCustomer(ctx, "cus_1")
	require.NoError(t, err)
	require.Equal(t, org.ID, byCustomer.ID)

	require.NoError(t, s.UpdateStripeSubscriptionStatus(ctx, "cus_1", "past_due"))
	got, err = s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, "past_due", got.StripeSubscriptionStatus)

	other := mustOrg(t, s)
	all, err := s.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, org.ID, all[0].ID)
	require.Equal(t, other, all[1].ID)

	require.NoError(t, s.DeleteOrganization(ctx, org.ID))
	_, err = s.GetOrganization(ctx, org.ID)
	require.Equal(t, errs.NotFound, errs.CodeOf(err))
	require.ErrorIs(t, err, db.ErrNotFound)

	require.Equal(t, errs.NotFound, errs.CodeOf(s.DeleteOrganization(ctx, org.ID)))
	require.Equal(t, errs.NotFound, errs.CodeOf(s.UpdateStripeSubscriptionStatus(ctx, "cus_missing", "active")))
}

// TestConnections_Isolation checks that two organizations can use the same
// connection name and each only ever sees its own URL.
func TestConnections_Isolation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		a, b := mustOrg(t, s), mustOrg(t, s)
		name := testutil.ArbitraryConnectionName().Filter(func(n string) bool {
			return strings.TrimSpace(n) != ""
		}).Draw(t, "name")
		urlA := validURL().Draw(t, "urlA")
		urlB := validURL().Filter(func(u string) bool { return u != urlA }).Draw(t, "urlB")

		if _, err := s.AddConnection(ctx, a, ConnectionParams{Name: name, URL: urlA}); err != nil {
			t.Fatalf("add connection to A: %v", err)
		}
		if _, err := s.AddConnection(ctx, b, ConnectionParams{Name: name, URL: urlB}); err != nil {
			t.Fatalf("add connection to B: %v", err)
		}

		for org, want := range map[int64]string{a: urlA, b: urlB} {
			details, err := s.GetOrganizationConnectionsWithDetails(ctx, org)
			if err != nil {
				t.Fatalf("details of org %d: %v", org, err)
			}
			if len(details) != 1 {
				t.Fatalf("org %d sees %d connections, want 1", org, len(details))
			}
			if details[0].OrganizationID != org || details[0].Name != name || details[0].URL != want {
				t.Fatalf("org %d sees %+v", org, details[0].Connection)
			}
		}
	})
}

// TestReconcile_Idempotent checks that repeated reconciliation to the same
// set leaves exactly that set, with no duplicate rows.
func TestReconcile_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		org := mustOrg(t, s)
		initial := rapid.SliceOfN(rapid.SampledFrom([]string{"c1", "c2", "c3", "c4"}), 0, 6).Draw(t, "initial")
		names := rapid.SliceOfN(rapid.SampledFrom([]string{"c1", "c2", "c3", "c4", "c5"}), 0, 8).Draw(t, "names")

		if err := s.ReconcileBotConnections(ctx, org, "bot", initial); err != nil {
			t.Fatalf("initial reconcile: %v", err)
		}
		want := map[string]bool{}
		for _, n := range names {
			want[n] = true
		}
		for round := 0; round < 3; round++ {
			if err := s.ReconcileBotConnections(ctx, org, "bot", names); err != nil {
				t.Fatalf("reconcile round %d: %v", round, err)
			}
			got, err := s.GetBotConnections(ctx, org, "bot")
			if err != nil {
				t.Fatalf("get bot connections: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("round %d: got %v, want %v", round, got, want)
			}
			for _, n := range got {
				if !want[n] {
					t.Fatalf("round %d: unexpected mapping %q", round, n)
				}
			}
			var rows int
			if err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM bot_to_connections WHERE organization_id = ? AND bot_id = ?`, org, "bot").
				Scan(&rows); err != nil {
				t.Fatalf("count mappings: %v", err)
			}
			if rows != len(want) {
				t.Fatalf("round %d: %d mapping rows, want %d", round, rows, len(want))
			}
		}
	})
}

func TestReconcile_ScopedToBotAndOrg(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a, b := mustOrg(t, s), mustOrg(t, s)

	require.NoError(t, s.ReconcileBotConnections(ctx, a, "bot1", []string{"c1", "c2"}))
	require.NoError(t, s.ReconcileBotConnections(ctx, a, "bot2", []string{"c2"}))
	require.NoError(t, s.ReconcileBotConnections(ctx, b, "bot1", []string{"c3"}))

	require.NoError(t, s.ReconcileBotConnections(ctx, a, "bot1", nil))

	got, err := s.GetBotConnections(ctx, a, "bot1")
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = s.GetBotConnections(ctx, a, "bot2")
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, got)
	got, err = s.GetBotConnections(ctx, b, "bot1")
	require.NoError(t, err)
	require.Equal(t, []string{"c3"}, got)

	err = s.ReconcileBotConnections(ctx, a, "bot1", []string{"c1", " "})
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestCascade_DeleteOrganizationRemovesOwnedRows(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	org := mustOrg(t, s)
	keep := mustOrg(t, s)

	for _, o := range []int64{org, keep} {
		_, err := s.AddConnection(ctx, o, ConnectionParams{Name: "wh", URL: "postgresql://u:p@h/db"})
		require.NoError(t, err)
		_, err = s.CreateBotInstance(ctx, o, "bot", "#data")
		require.NoError(t, err)
		require.NoError(t, s.ReconcileBotConnections(ctx, o, "bot", []string{"wh"}))
		_, err = s.RecordAnswer(ctx, o, false)
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteOrganization(ctx, org))

	for _, table := range []string{"connections", "bot_instances", "bot_to_connections", "encrypted_deks", "usage_tracking"} {
		var n int
		require.NoError(t, s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE organization_id = ?`, org).Scan(&n))
		require.Zero(t, n, "%s rows survived organization delete", table)
		require.NoError(t, s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE organization_id = ?`, keep).Scan(&n))
		require.Equal(t, 1, n, "%s rows of the other organization were removed", table)
	}
}
