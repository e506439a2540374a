package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The encryption key is package-level state, so the phases run in one test
// to keep their order deterministic.
func TestEncryptedString(t *testing.T) {
	// Without a key the value passes through untouched.
	v, err := EncryptedString("plain-secret").Value()
	require.NoError(t, err)
	assert.Equal(t, "plain-secret", v)

	var got EncryptedString
	require.NoError(t, got.Scan("plain-secret"))
	assert.Equal(t, EncryptedString("plain-secret"), got)

	require.Error(t, InitEncryption([]byte("too-short")))
	require.NoError(t, InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	// With a key the stored value is ciphertext that round-trips.
	v, err = EncryptedString("s3cret").Value()
	require.NoError(t, err)
	stored, ok := v.(string)
	require.True(t, ok)
	assert.NotContains(t, stored, "s3cret")

	var decrypted EncryptedString
	require.NoError(t, decrypted.Scan(stored))
	assert.Equal(t, EncryptedString("s3cret"), decrypted)

	// Rows written before the key was configured read back verbatim.
	var legacy EncryptedString
	require.NoError(t, legacy.Scan("not base64!"))
	assert.Equal(t, EncryptedString("not base64!"), legacy)

	// Empty values are never encrypted.
	v, err = EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", v)

	// Tampered ciphertext fails authentication.
	var tampered EncryptedString
	corrupt := strings.Repeat("A", len(stored))
	assert.Error(t, tampered.Scan(corrupt))
}
