package crypto

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"golang.org/x/time/rate"
)

// EncryptionContext is authenticated, non-secret data bound into every wrap.
// Unwrapping requires the identical context.
type EncryptionContext map[string]string

// OrganizationContext is the context every organization DEK is wrapped under.
func OrganizationContext(orgID int64) EncryptionContext {
	return EncryptionContext{"organization": strconv.FormatInt(orgID, 10)}
}

// canonical serializes the context deterministically (json sorts map keys).
func (ec EncryptionContext) canonical() []byte {
	if len(ec) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(map[string]string(ec))
	if err != nil {
		// A map of strings always marshals.
		panic(fmt.Sprintf("marshal encryption context: %v", err))
	}
	return b
}

// KEKProvider wraps and unwraps DEKs under a key encryption key.
type KEKProvider interface {
	// Name identifies the backend in logs.
	Name() string
	// Version is the KEK version new wraps are made with.
	Version() int
	// Wrap encrypts dek under the current KEK, bound to ec.
	Wrap(ctx context.Context, dek []byte, ec EncryptionContext) ([]byte, error)
	// Unwrap reverses Wrap. A wrong context or foreign ciphertext yields
	// ErrDecryption; backend outages yield ErrKEKUnavailable.
	Unwrap(ctx context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error)
}

// versionHeaderSize prefixes PlaintextKEK ciphertexts with the KEK version used.
const versionHeaderSize = 4

// PlaintextKEK derives its KEKs locally from a master key with HKDF. Every
// version stays derivable, so DEKs wrapped before a rotation remain readable.
type PlaintextKEK struct {
	masterKey []byte
	version   int
}

// NewPlaintextKEK creates a local KEK provider. The master key is passed in
// explicitly; it is never read from the process environment here.
func NewPlaintextKEK(masterKey []byte, version int) (*PlaintextKEK, error) {
	if len(masterKey) < KEKSize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", KEKSize, len(masterKey))
	}
	if version < 1 {
		return nil, fmt.Errorf("KEK version must be positive, got %d", version)
	}
	return &PlaintextKEK{masterKey: append([]byte(nil), masterKey...), version: version}, nil
}

func (p *PlaintextKEK) Name() string { return "plaintext" }
func (p *PlaintextKEK) Version() int { return p.version }

// Wrap output format: version (4 bytes, big endian) || nonce || ciphertext || tag.
// The version header and the canonical context are both authenticated.
func (p *PlaintextKEK) Wrap(_ context.Context, dek []byte, ec EncryptionContext) ([]byte, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("DEK must be %d bytes, got %d", DEKSize, len(dek))
	}
	header := make([]byte, versionHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(p.version))

	sealed, err := Seal(DeriveKEK(p.masterKey, "kek", p.version), dek, wrapAAD(header, ec))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap DEK: %w", err)
	}
	return append(header, sealed...), nil
}

func (p *PlaintextKEK) Unwrap(_ context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error) {
	if len(wrapped) < versionHeaderSize+NonceSize+TagSize {
		return nil, fmt.Errorf("%w: wrapped DEK too short (%d bytes)", ErrDecryption, len(wrapped))
	}
	header := wrapped[:versionHeaderSize]
	version := int(binary.BigEndian.Uint32(header))
	if version < 1 {
		return nil, fmt.Errorf("%w: invalid KEK version %d", ErrDecryption, version)
	}
	dek, err := Open(DeriveKEK(p.masterKey, "kek", version), wrapped[versionHeaderSize:], wrapAAD(header, ec))
	if err != nil {
		return nil, err
	}
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("%w: unwrapped DEK has %d bytes", ErrDecryption, len(dek))
	}
	return dek, nil
}

func wrapAAD(header []byte, ec EncryptionContext) []byte {
	aad := append([]byte(nil), header...)
	return append(aad, ec.canonical()...)
}

// KMSAPI is the subset of the AWS KMS client KMSKEK uses.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKEK wraps DEKs with an AWS KMS symmetric key. Requests are throttled
// client-side so a burst of cold DEK lookups cannot exhaust the account quota.
type KMSKEK struct {
	client  KMSAPI
	keyID   string
	version int
	limiter *rate.Limiter
}

// KMSOption configures a KMSKEK.
type KMSOption func(*KMSKEK)

// WithRateLimit caps KMS calls per second (with a burst of the same size).
// Zero or negative disables throttling.
func WithRateLimit(perSecond float64) KMSOption {
	return func(k *KMSKEK) {
		if perSecond <= 0 {
			k.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		k.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithKMSVersion sets the version recorded with new wraps. KMS rotates key
// material internally, so this only changes when the key id itself changes.
func WithKMSVersion(version int) KMSOption {
	return func(k *KMSKEK) { k.version = version }
}

// NewKMSKEK creates a KMS-backed provider around an existing client.
func NewKMSKEK(client KMSAPI, keyID string, opts ...KMSOption) (*KMSKEK, error) {
	if client == nil {
		return nil, errors.New("kms client is nil")
	}
	if keyID == "" {
		return nil, errors.New("kms key id is empty")
	}
	k := &KMSKEK{
		client:  client,
		keyID:   keyID,
		version: 1,
		limiter: rate.NewLimiter(50, 50),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// KMSConfig holds the settings for NewKMSKEKFromConfig.
type KMSConfig struct {
	KeyID string
	// Region is the AWS region (e.g., "us-east-1").
	Region string
	// Endpoint overrides the KMS endpoint (e.g., a LocalStack URL). Leave empty for AWS.
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	RequestsPerSecond float64
	Version           int
}

// NewKMSKEKFromConfig loads AWS configuration and builds a KMS-backed provider.
func NewKMSKEKFromConfig(ctx context.Context, cfg KMSConfig) (*KMSKEK, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := kms.NewFromConfig(sdkConfig, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	kopts := []KMSOption{WithRateLimit(cfg.RequestsPerSecond)}
	if cfg.Version > 0 {
		kopts = append(kopts, WithKMSVersion(cfg.Version))
	}
	return NewKMSKEK(client, cfg.KeyID, kopts...)
}

func (k *KMSKEK) Name() string { return "kms" }
func (k *KMSKEK) Version() int { return k.version }

func (k *KMSKEK) Wrap(ctx context.Context, dek []byte, ec EncryptionContext) ([]byte, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKEKUnavailable, err)
	}
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(k.keyID),
		Plaintext:         dek,
		EncryptionContext: ec,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms encrypt: %v", ErrKEKUnavailable, err)
	}
	return out.CiphertextBlob, nil
}

func (k *KMSKEK) Unwrap(ctx context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKEKUnavailable, err)
	}
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(k.keyID),
		CiphertextBlob:    wrapped,
		EncryptionContext: ec,
	})
	if err != nil {
		return nil, classifyKMSError(err)
	}
	if len(out.Plaintext) != DEKSize {
		return nil, fmt.Errorf("%w: kms returned %d-byte key", ErrDecryption, len(out.Plaintext))
	}
	return out.Plaintext, nil
}

// classifyKMSError separates "KMS refused this ciphertext" from "KMS is not
// answering". Only the former is a decryption failure.
func classifyKMSError(err error) error {
	var invalidCiphertext *types.InvalidCiphertextException
	var incorrectKey *types.IncorrectKeyException
	var invalidUsage *types.InvalidKeyUsageException
	switch {
	case errors.As(err, &invalidCiphertext), errors.As(err, &incorrectKey), errors.As(err, &invalidUsage):
		return fmt.Errorf("%w: kms decrypt: %v", ErrDecryption, err)
	default:
		return fmt.Errorf("%w: kms decrypt: %v", ErrKEKUnavailable, err)
	}
}
