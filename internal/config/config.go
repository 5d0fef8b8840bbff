// Package config loads compass configuration from environment variables,
// validates it, and fills in defaults.
//
// CLI flags only decide which external services are mocked (--no-stripe,
// --no-backup). Everything else, secrets included, comes from the environment.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/compass/internal/ratelimit"
)

// KEK backends.
const (
	KEKBackendLocal = "local"
	KEKBackendKMS   = "kms"
	// KEKBackendNone disables URL encryption. Development only.
	KEKBackendNone = "none"
)

const (
	defaultListenAddr = ":8080"
	defaultRegion     = "auto"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr string
	BaseURL    string
	AdminToken string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	SQLiteKey         string // optional, 64 hex characters
	VerboseMigrations bool

	// Envelope encryption
	KEKBackend            string
	KEKMasterKey          string // 64 hex characters, local backend only
	KEKVersion            int
	KMSKeyID              string
	KMSRequestsPerSecond  float64
	AWSEndpointKMS        string
	DEKCacheTTL           time.Duration
	EncryptConnectionURLs bool

	// Rate limiting of the admin API, per organization
	RateLimitConfig ratelimit.Config

	// Mock service flags (controlled by CLI flags, not env vars)
	NoStripe bool
	NoBackup bool

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string

	// DEK escrow (uses the AWS_ env vars Tigris sets)
	BackupBucket       string
	BackupPrefix       string
	AWSEndpointS3      string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Flags are the CLI overrides accepted by the server.
type Flags struct {
	NoStripe bool
	NoBackup bool
	Addr     string
}

// ParseFlags parses the server's CLI flags from args.
func ParseFlags(args []string) (Flags, error) {
	var f Flags
	var testMode bool
	fs := flag.NewFlagSet("compass-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&f.NoStripe, "no-stripe", false, "Use mock billing (webhooks are counted, not verified)")
	fs.BoolVar(&f.NoBackup, "no-backup", false, "Disable DEK escrow to S3")
	fs.BoolVar(&testMode, "test", false, "Shorthand for --no-stripe --no-backup")
	fs.StringVar(&f.Addr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if testMode {
		f.NoStripe = true
		f.NoBackup = true
	}
	return f, nil
}

// Load reads configuration from the environment, applies flags, and validates.
func Load(f Flags) (*Config, error) {
	cfg := &Config{
		NoStripe: f.NoStripe,
		NoBackup: f.NoBackup,
	}

	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", defaultListenAddr)
	if f.Addr != "" {
		cfg.ListenAddr = f.Addr
	}
	cfg.BaseURL = getEnvOrDefault("BASE_URL", "http://localhost"+cfg.ListenAddr)
	cfg.AdminToken = getEnvOrDefault("ADMIN_TOKEN", "")

	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "")
	cfg.DBMaxOpenConns = parseIntOrDefault("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = parseIntOrDefault("DB_MAX_IDLE_CONNS", 5)
	cfg.SQLiteKey = getEnvOrDefault("SQLITE_KEY", "")
	cfg.VerboseMigrations = parseBoolOrDefault("COMPASS_VERBOSE_MIGRATIONS", false)

	cfg.KEKBackend = strings.ToLower(getEnvOrDefault("KEK_BACKEND", KEKBackendLocal))
	cfg.KEKMasterKey = getEnvOrDefault("KEK_MASTER_KEY", "")
	cfg.KEKVersion = parseIntOrDefault("KEK_VERSION", 1)
	cfg.KMSKeyID = getEnvOrDefault("KMS_KEY_ID", "")
	cfg.KMSRequestsPerSecond = parseFloat64OrDefault("KMS_REQUESTS_PER_SECOND", 50)
	cfg.AWSEndpointKMS = getEnvOrDefault("AWS_ENDPOINT_URL_KMS", "")
	cfg.DEKCacheTTL = parseDurationOrDefault("DEK_CACHE_TTL", 10*time.Minute)
	cfg.EncryptConnectionURLs = parseBoolOrDefault("ENCRYPT_CONNECTION_URLS", cfg.KEKBackend != KEKBackendNone)

	cfg.RateLimitConfig = ratelimit.Config{
		FreeRPS:         parseFloat64OrDefault("RATE_LIMIT_FREE_RPS", 5),
		FreeBurst:       parseIntOrDefault("RATE_LIMIT_FREE_BURST", 10),
		PaidRPS:         parseFloat64OrDefault("RATE_LIMIT_PAID_RPS", 50),
		PaidBurst:       parseIntOrDefault("RATE_LIMIT_PAID_BURST", 100),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
	}

	cfg.StripeSecretKey = getEnvOrDefault("STRIPE_SECRET_KEY", "")
	cfg.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", "")
	cfg.StripePriceID = getEnvOrDefault("STRIPE_PRICE_ID", "")

	cfg.BackupBucket = getEnvOrDefault("BACKUP_BUCKET", "")
	cfg.BackupPrefix = getEnvOrDefault("BACKUP_PREFIX", "compass")
	cfg.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultRegion)
	cfg.AWSAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required (postgres://... or sqlite://path)")
	}
	if c.DBMaxOpenConns <= 0 {
		errs = append(errs, "DB_MAX_OPEN_CONNS must be positive")
	}
	if c.SQLiteKey != "" && !isHexKey(c.SQLiteKey) {
		errs = append(errs, "SQLITE_KEY must be 64 hex characters (32 bytes)")
	}

	switch c.KEKBackend {
	case KEKBackendLocal:
		if c.KEKMasterKey == "" {
			errs = append(errs, "KEK_MASTER_KEY is required for KEK_BACKEND=local (generate with: openssl rand -hex 32)")
		} else if !isHexKey(c.KEKMasterKey) {
			errs = append(errs, "KEK_MASTER_KEY must be 64 hex characters (32 bytes)")
		}
	case KEKBackendKMS:
		if c.KMSKeyID == "" {
			errs = append(errs, "KMS_KEY_ID is required for KEK_BACKEND=kms")
		}
	case KEKBackendNone:
		if c.EncryptConnectionURLs {
			errs = append(errs, "ENCRYPT_CONNECTION_URLS requires a KEK backend other than none")
		}
	default:
		errs = append(errs, fmt.Sprintf("KEK_BACKEND must be one of local, kms, none (got %q)", c.KEKBackend))
	}
	if c.KEKVersion <= 0 {
		errs = append(errs, "KEK_VERSION must be positive")
	}
	if c.DEKCacheTTL < 0 {
		errs = append(errs, "DEK_CACHE_TTL must not be negative")
	}

	if !c.NoStripe {
		if c.StripeSecretKey == "" {
			errs = append(errs, "STRIPE_SECRET_KEY is required (set env var or use --no-stripe)")
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, "STRIPE_WEBHOOK_SECRET is required (set env var or use --no-stripe)")
		}
	}

	if !c.NoBackup && c.BackupBucket == "" {
		errs = append(errs, "BACKUP_BUCKET is required (set env var or use --no-backup)")
	}

	if c.RateLimitConfig.FreeRPS <= 0 {
		errs = append(errs, "RATE_LIMIT_FREE_RPS must be positive")
	}
	if c.RateLimitConfig.FreeBurst <= 0 {
		errs = append(errs, "RATE_LIMIT_FREE_BURST must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// MasterKeyBytes decodes KEK_MASTER_KEY. Call only after Validate.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.KEKMasterKey)
}

// SQLiteKeyBytes decodes SQLITE_KEY, returning nil when unset.
func (c *Config) SQLiteKeyBytes() ([]byte, error) {
	if c.SQLiteKey == "" {
		return nil, nil
	}
	return hex.DecodeString(c.SQLiteKey)
}

// PrintStartupSummary prints a human-readable summary of the configuration to w.
// Secrets and the database URL are never printed.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "compass server starting...")
	fmt.Fprintf(w, "  KEK:     %s (version %d)\n", c.KEKBackend, c.KEKVersion)
	fmt.Fprintf(w, "  URLs:    encrypted=%t\n", c.EncryptConnectionURLs)
	if c.NoStripe {
		fmt.Fprintln(w, "  Billing: Mock (--no-stripe)")
	} else {
		fmt.Fprintln(w, "  Billing: Stripe (real)")
	}
	if c.NoBackup {
		fmt.Fprintln(w, "  Escrow:  disabled (--no-backup)")
	} else {
		fmt.Fprintf(w, "  Escrow:  s3://%s/%s\n", c.BackupBucket, c.BackupPrefix)
	}
	if c.AdminToken == "" {
		fmt.Fprintln(w, "  Admin:   UNAUTHENTICATED (ADMIN_TOKEN unset, local development only)")
	} else {
		fmt.Fprintln(w, "  Admin:   bearer token")
	}
	fmt.Fprintf(w, "  Listen:  %s\n", c.ListenAddr)
	fmt.Fprintln(w, "")
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
