package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/obs"
)

// DefaultCacheTTL bounds how long an unwrapped DEK stays in memory.
const DefaultCacheTTL = 5 * time.Minute

// DEKStore persists wrapped DEKs. *db.DB implements it.
type DEKStore interface {
	GetEncryptedDEK(ctx context.Context, orgID int64) (*db.EncryptedDEK, error)
	InsertEncryptedDEKIfAbsent(ctx context.Context, orgID int64, wrapped []byte, kekVersion int) (bool, error)
	UpdateEncryptedDEK(ctx context.Context, orgID int64, wrapped []byte, kekVersion int) error
	ListEncryptedDEKs(ctx context.Context) ([]db.EncryptedDEK, error)
}

// KeyManager handles envelope encryption for organization secrets.
// It owns DEK creation, unwrapping through the KEK provider, and the cache of
// unwrapped DEKs. It is safe for concurrent use.
type KeyManager struct {
	kek    KEKProvider
	store  DEKStore
	cache  *ristretto.Cache[int64, []byte]
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*KeyManager)

// WithCacheTTL sets the DEK cache TTL. Zero disables caching.
func WithCacheTTL(ttl time.Duration) KeyManagerOption {
	return func(km *KeyManager) { km.ttl = ttl }
}

// NewKeyManager creates a new KeyManager with the provided KEK provider and DEK store.
//
// Parameters:
//   - kek: The provider that wraps and unwraps DEKs
//   - store: Where wrapped DEKs are persisted (normally *db.DB)
//
// Returns:
//   - *KeyManager: A new KeyManager instance; Close releases its cache
//   - error: If the cache cannot be created
func NewKeyManager(kek KEKProvider, store DEKStore, opts ...KeyManagerOption) (*KeyManager, error) {
	km := &KeyManager{
		kek:    kek,
		store:  store,
		ttl:    DefaultCacheTTL,
		logger: obs.Pkg("crypto"),
	}
	for _, opt := range opts {
		opt(km)
	}
	if km.ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[int64, []byte]{
			NumCounters: 100_000,
			MaxCost:     10_000 * DEKSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DEK cache: %w", err)
		}
		km.cache = cache
	}
	return km, nil
}

// Close releases the DEK cache.
func (km *KeyManager) Close() {
	if km.cache != nil {
		km.cache.Close()
	}
}

// KEK returns the configured provider.
func (km *KeyManager) KEK() KEKProvider { return km.kek }

// GetOrCreateDEK retrieves the DEK for an organization, creating one if it doesn't exist.
//
// Concurrent callers in this process share one lookup per organization. Across
// processes, creation is an insert-if-absent followed by a re-read, so whichever
// row the database kept is the DEK every caller ends up with.
//
// Parameters:
//   - orgID: The organization
//
// Returns:
//   - []byte: The 32-byte DEK
//   - error: ErrKEKUnavailable or ErrDecryption from the provider, or a storage error
func (km *KeyManager) GetOrCreateDEK(ctx context.Context, orgID int64) ([]byte, error) {
	if dek, ok := km.cached(orgID); ok {
		return dek, nil
	}
	// The shared lookup outlives any one caller's cancellation; waiters
	// joined to it would otherwise fail with the leader's context error.
	shared := context.WithoutCancel(ctx)
	v, err, _ := km.group.Do("create:"+strconv.FormatInt(orgID, 10), func() (any, error) {
		return km.loadOrCreate(shared, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (km *KeyManager) loadOrCreate(ctx context.Context, orgID int64) ([]byte, error) {
	row, err := km.store.GetEncryptedDEK(ctx, orgID)
	if err == nil {
		return km.unwrap(ctx, row)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to get DEK for org %d: %w", orgID, err)
	}

	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}
	wrapped, err := km.kek.Wrap(ctx, dek, OrganizationContext(orgID))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap DEK for org %d: %w", orgID, err)
	}
	inserted, err := km.store.InsertEncryptedDEKIfAbsent(ctx, orgID, wrapped, km.kek.Version())
	if err != nil {
		return nil, fmt.Errorf("failed to store DEK for org %d: %w", orgID, err)
	}
	if inserted {
		km.logger.Info("dek created", "organization_id", orgID, "kek", km.kek.Name(), "kek_version", km.kek.Version())
		km.remember(orgID, dek)
		return dek, nil
	}

	// Another process won the race; its row is canonical.
	row, err = km.store.GetEncryptedDEK(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read DEK for org %d: %w", orgID, err)
	}
	return km.unwrap(ctx, row)
}

// GetDEK retrieves the DEK of an organization without creating one.
//
// Returns:
//   - []byte: The 32-byte DEK
//   - error: ErrDEKNotFound if the organization has no DEK, or unwrap errors
func (km *KeyManager) GetDEK(ctx context.Context, orgID int64) ([]byte, error) {
	if dek, ok := km.cached(orgID); ok {
		return dek, nil
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := km.group.Do("get:"+strconv.FormatInt(orgID, 10), func() (any, error) {
		row, err := km.store.GetEncryptedDEK(shared, orgID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("org %d: %w", orgID, ErrDEKNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get DEK for org %d: %w", orgID, err)
		}
		return km.unwrap(shared, row)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (km *KeyManager) unwrap(ctx context.Context, row *db.EncryptedDEK) ([]byte, error) {
	dek, err := km.kek.Unwrap(ctx, row.EncryptedDEK, OrganizationContext(row.OrganizationID))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap DEK for org %d: %w", row.OrganizationID, err)
	}
	km.remember(row.OrganizationID, dek)
	return dek, nil
}

func (km *KeyManager) cached(orgID int64) ([]byte, bool) {
	if km.cache == nil {
		return nil, false
	}
	return km.cache.Get(orgID)
}

func (km *KeyManager) remember(orgID int64, dek []byte) {
	if km.cache == nil {
		return
	}
	km.cache.SetWithTTL(orgID, dek, int64(len(dek)), km.ttl)
}

// urlAAD binds a connection URL ciphertext to its organization.
func urlAAD(orgID int64) []byte {
	return []byte("organization:" + strconv.FormatInt(orgID, 10))
}

// EncryptConnectionURL encrypts a connection URL under the organization's DEK,
// creating the DEK on first use. The result is what goes into
// connections.encrypted_url.
func (km *KeyManager) EncryptConnectionURL(ctx context.Context, orgID int64, url string) ([]byte, error) {
	dek, err := km.GetOrCreateDEK(ctx, orgID)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(dek, []byte(url), urlAAD(orgID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt connection URL: %w", err)
	}
	return sealed, nil
}

// DecryptConnectionURL reverses EncryptConnectionURL. A missing DEK, a KEK
// rejection, tampered ciphertext or ciphertext from another organization all
// match ErrDecryption; KEK outages match ErrKEKUnavailable instead.
func (km *KeyManager) DecryptConnectionURL(ctx context.Context, orgID int64, ciphertext []byte) (string, error) {
	dek, err := km.GetDEK(ctx, orgID)
	if errors.Is(err, ErrDEKNotFound) {
		return "", fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	if err != nil {
		return "", err
	}
	plaintext, err := Open(dek, ciphertext, urlAAD(orgID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt connection URL for org %d: %w", orgID, err)
	}
	return string(plaintext), nil
}

// RotateKEK re-wraps every DEK that is not on the provider's current KEK
// version. DEKs themselves are unchanged, so existing ciphertexts stay valid.
//
// Returns:
//   - int: The number of DEKs re-wrapped
//   - error: The first failure; DEKs rotated before it stay rotated
func (km *KeyManager) RotateKEK(ctx context.Context) (int, error) {
	rows, err := km.store.ListEncryptedDEKs(ctx)
	if err != nil {
		return 0, err
	}
	target := km.kek.Version()
	rotated := 0
	for i := range rows {
		row := &rows[i]
		if row.KEKVersion == target {
			continue
		}
		ec := OrganizationContext(row.OrganizationID)
		dek, err := km.kek.Unwrap(ctx, row.EncryptedDEK, ec)
		if err != nil {
			return rotated, fmt.Errorf("failed to unwrap DEK for org %d: %w", row.OrganizationID, err)
		}
		wrapped, err := km.kek.Wrap(ctx, dek, ec)
		if err != nil {
			return rotated, fmt.Errorf("failed to re-wrap DEK for org %d: %w", row.OrganizationID, err)
		}
		if err := km.store.UpdateEncryptedDEK(ctx, row.OrganizationID, wrapped, target); err != nil {
			return rotated, fmt.Errorf("failed to update DEK for org %d: %w", row.OrganizationID, err)
		}
		rotated++
	}
	if rotated > 0 {
		km.logger.Info("kek rotated", "kek", km.kek.Name(), "kek_version", target, "deks", rotated)
	}
	return rotated, nil
}
