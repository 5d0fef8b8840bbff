// Package app wires configuration into the running components shared by the
// server and compassctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kuitang/compass/internal/backup"
	"github.com/kuitang/compass/internal/billing"
	"github.com/kuitang/compass/internal/config"
	"github.com/kuitang/compass/internal/crypto"
	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/s3client"
	"github.com/kuitang/compass/internal/schema"
	"github.com/kuitang/compass/internal/storage"
)

// App holds the opened components. Keys and Backup are nil when their
// backend is disabled.
type App struct {
	Config  *config.Config
	DB      *db.DB
	KEK     crypto.KEKProvider
	Keys    *crypto.KeyManager
	Store   *storage.Store
	Billing billing.BillingService
	Backup  *backup.Service
	logger  *slog.Logger
}

// Open connects to the database and builds the key manager and store. It does
// not run migrations.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: obs.Pkg("app")}

	sqliteKey, err := cfg.SQLiteKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("decode SQLITE_KEY: %w", err)
	}
	a.DB, err = db.Open(ctx, db.Config{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		SQLiteKey:    sqliteKey,
	})
	if err != nil {
		return nil, err
	}

	a.KEK, err = NewKEK(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.KEK != nil {
		a.Keys, err = crypto.NewKeyManager(a.KEK, a.DB, crypto.WithCacheTTL(cfg.DEKCacheTTL))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Store, err = storage.New(a.DB, a.Keys, storage.WithEncryption(cfg.EncryptConnectionURLs))
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.NoStripe {
		a.Billing = billing.NewMockService()
	} else {
		a.Billing = billing.NewService(billing.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PriceID:       cfg.StripePriceID,
		}, a.Store)
	}

	if !cfg.NoBackup && a.KEK != nil {
		objects, err := s3client.New(ctx, s3client.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.BackupBucket,
			Prefix:          cfg.BackupPrefix,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Backup = backup.New(a.DB, objects, a.KEK.Name())
	}
	return a, nil
}

// NewKEK builds the configured KEK provider, or nil for KEK_BACKEND=none.
func NewKEK(ctx context.Context, cfg *config.Config) (crypto.KEKProvider, error) {
	switch cfg.KEKBackend {
	case config.KEKBackendLocal:
		master, err := cfg.MasterKeyBytes()
		if err != nil {
			return nil, fmt.Errorf("decode KEK_MASTER_KEY: %w", err)
		}
		kek, err := crypto.NewPlaintextKEK(master, cfg.KEKVersion)
		if err != nil {
			return nil, err
		}
		return kek, nil
	case config.KEKBackendKMS:
		kek, err := crypto.NewKMSKEKFromConfig(ctx, crypto.KMSConfig{
			KeyID:             cfg.KMSKeyID,
			Region:            cfg.AWSRegion,
			Endpoint:          cfg.AWSEndpointKMS,
			AccessKeyID:       cfg.AWSAccessKeyID,
			SecretAccessKey:   cfg.AWSSecretAccessKey,
			RequestsPerSecond: cfg.KMSRequestsPerSecond,
			Version:           cfg.KEKVersion,
		})
		if err != nil {
			return nil, err
		}
		return kek, nil
	case config.KEKBackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown KEK backend %q", cfg.KEKBackend)
	}
}

// Migrate applies pending schema changes.
func (a *App) Migrate(ctx context.Context) (int, error) {
	return a.DB.Migrate(ctx, schemaOptions(a.Config)...)
}

func schemaOptions(cfg *config.Config) []schema.Option {
	return []schema.Option{
		schema.WithVerbose(cfg.VerboseMigrations),
		schema.WithLogger(obs.Pkg("schema")),
	}
}

// ErrBackupDisabled is returned by operations that need DEK escrow when it is off.
var ErrBackupDisabled = errors.New("dek backup is not configured")

// Close releases the key cache and the database pool.
func (a *App) Close() {
	if a.Keys != nil {
		a.Keys.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}
