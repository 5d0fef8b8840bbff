// Package crypto provides envelope encryption for per-organization secrets.
// It implements a two-tier key hierarchy:
// - KEK (Key Encryption Key): held by a KEKProvider (HKDF-derived or AWS KMS)
// - DEK (Data Encryption Key): random 32-byte key per organization, stored only in wrapped form
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DEKSize is the size of a Data Encryption Key in bytes (256 bits)
	DEKSize = 32

	// KEKSize is the size of a Key Encryption Key in bytes (256 bits)
	KEKSize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes (96 bits)
	NonceSize = 12

	// TagSize is the size of the AES-GCM authentication tag in bytes
	TagSize = 16
)

var (
	// ErrDecryption covers malformed ciphertext, a missing DEK and a KEK backend
	// refusing to unwrap (wrong encryption context, unknown key). It never
	// accompanies partial plaintext.
	ErrDecryption = errors.New("crypto: decryption failed")

	// ErrKEKUnavailable means the KEK backend could not be reached or is
	// throttling. Callers may retry; they must not fall back to plaintext.
	ErrKEKUnavailable = errors.New("crypto: KEK backend unavailable")

	// ErrDEKNotFound is returned by lookups that do not create a DEK.
	ErrDEKNotFound = errors.New("crypto: organization has no DEK")
)

// DeriveKEK derives a Key Encryption Key from a master key using HKDF-SHA256.
// The info parameter combines a label and version for domain separation:
// info = "compass:" + label + ":v" + version
//
// Parameters:
//   - masterKey: The root secret (must be high-entropy, at least 32 bytes)
//   - label: Purpose of the derived key, e.g. "kek"
//   - version: The KEK version (for key rotation support)
//
// Returns:
//   - []byte: A 32-byte KEK derived deterministically from the inputs
func DeriveKEK(masterKey []byte, label string, version int) []byte {
	info := fmt.Sprintf("compass:%s:v%d", label, version)

	// Salt is nil - the master key is already uniformly random.
	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte(info))

	kek := make([]byte, KEKSize)
	if _, err := io.ReadFull(hkdfReader, kek); err != nil {
		// HKDF cannot run out of output for 32 bytes; this is a bug.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return kek
}

// GenerateDEK generates a new random Data Encryption Key.
//
// Returns:
//   - []byte: A 32-byte random DEK
//   - error: Any error from the random source
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// Seal encrypts plaintext with AES-256-GCM, authenticating aad alongside it.
// The nonce is randomly generated and prepended to the ciphertext.
// Output format: nonce (12 bytes) || ciphertext || auth tag (16 bytes)
//
// Parameters:
//   - key: The 32-byte key
//   - plaintext: Data to encrypt (may be empty)
//   - aad: Additional authenticated data that must be presented again to Open
//
// Returns:
//   - []byte: nonce || ciphertext || tag
//   - error: Any encryption error
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts the output of Seal. Any failure, including a mismatched aad,
// is reported as ErrDecryption.
//
// Parameters:
//   - key: The 32-byte key
//   - sealed: nonce || ciphertext || tag (at least 28 bytes)
//   - aad: The additional authenticated data given to Seal
//
// Returns:
//   - []byte: The plaintext
//   - error: ErrDecryption on malformed input or authentication failure
func Open(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short: got %d bytes, need at least %d",
			ErrDecryption, len(sealed), NonceSize+TagSize)
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KEKSize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KEKSize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
