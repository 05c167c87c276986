package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewVault_KeyValidation(t *testing.T) {
	_, err := NewVault("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = NewVault("deadbeef")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewVault(strings.Repeat("zz", 32))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewVault(testKey)
	assert.NoError(t, err)
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := NewVault(testKey)
	require.NoError(t, err)

	tokens := []string{
		"",
		"ya29.a0AfH6SMC-short",
		"M.C511_BAY.0.U.-long-refresh-token-with-dashes_and.dots",
		"token with spaces and ünïcödé ✉",
		strings.Repeat("x", 4096),
	}
	for _, tok := range tokens {
		sealed, err := v.Encrypt(tok)
		require.NoError(t, err)

		got, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, tok, got)
	}
}

func TestVault_UniqueIVs(t *testing.T) {
	v, err := NewVault(testKey)
	require.NoError(t, err)

	a, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each ciphertext must carry a fresh IV")
}

func TestVault_Tampered(t *testing.T) {
	v, err := NewVault(testKey)
	require.NoError(t, err)

	sealed, err := v.Encrypt("refresh-token")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	_, err = v.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = v.Decrypt(base64.StdEncoding.EncodeToString([]byte("tiny")))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestVault_WrongKeyFails(t *testing.T) {
	v1, err := NewVault(testKey)
	require.NoError(t, err)
	v2, err := NewVault(strings.Repeat("ab", 32))
	require.NoError(t, err)

	sealed, err := v1.Encrypt("secret")
	require.NoError(t, err)
	_, err = v2.Decrypt(sealed)
	assert.Error(t, err)
}
