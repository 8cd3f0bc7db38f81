package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	for _, key := range []string{"0123456789abcdef", "0123456789abcdef0123456789abcdef"} {
		v, err := NewVault(key)
		require.NoError(t, err)

		encoded, err := v.Encrypt("123-45-6789")
		require.NoError(t, err)
		assert.NotEqual(t, "123-45-6789", encoded)

		plain, err := v.Decrypt(encoded)
		require.NoError(t, err)
		assert.Equal(t, "123-45-6789", plain)
	}
}

func TestVaultNoncesDiffer(t *testing.T) {
	v, err := NewVault("0123456789abcdef")
	require.NoError(t, err)

	a, err := v.Encrypt("123-45-6789")
	require.NoError(t, err)
	b, err := v.Encrypt("123-45-6789")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVaultRejectsBadKeys(t *testing.T) {
	_, err := NewVault("")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewVault("short")
	assert.Error(t, err)
}

func TestDecryptRejectsTampering(t *testing.T) {
	v, err := NewVault("0123456789abcdef")
	require.NoError(t, err)

	_, err = v.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = v.Decrypt("AAAA")
	assert.Error(t, err, "too short to carry a nonce")

	encoded, err := v.Encrypt("123-45-6789")
	require.NoError(t, err)

	other, err := NewVault("fedcba9876543210")
	require.NoError(t, err)
	_, err = other.Decrypt(encoded)
	assert.Error(t, err, "wrong key must not decrypt")
}
