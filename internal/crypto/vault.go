// Package crypto provides symmetric encryption for OAuth tokens at rest.
//
// Tokens are sealed with AES-256-GCM using a process-wide key loaded from
// the TOKEN_ENCRYPTION_KEY environment variable (64 hex characters = 32
// bytes). Ciphertexts are stored as base64(IV || ciphertext || tag) with a
// random 12-byte IV per call. There is no plaintext fallback: a missing or
// malformed key makes the vault refuse to operate.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	keyBytes   = 32
	nonceBytes = 12
)

var (
	// ErrMissingKey is returned when the encryption key is absent.
	ErrMissingKey = errors.New("token encryption key is not configured")

	// ErrInvalidKey is returned when the key is not 32 bytes of hex.
	ErrInvalidKey = errors.New("token encryption key must be 64 hex characters (32 bytes)")

	// ErrCiphertextTooShort is returned for ciphertexts shorter than IV+tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Vault encrypts and decrypts opaque token strings.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a hex-encoded 32-byte key.
func NewVault(hexKey string) (*Vault, error) {
	if hexKey == "" {
		return nil, ErrMissingKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keyBytes {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(IV || ciphertext || tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input fails.
func (v *Vault) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < nonceBytes+v.aead.Overhead() {
		return "", ErrCiphertextTooShort
	}
	nonce, ct := raw[:nonceBytes], raw[nonceBytes:]
	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plaintext), nil
}
