package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/internal/server/api/auth"
)

func TestGenerateKey(t *testing.T) {
	seen := map[string]bool{}
	for range 8 {
		key, err := auth.GenerateKey()
		require.NoError(t, err)
		assert.Len(t, key, auth.GeneratedKeyLength)
		assert.Empty(t, strings.Trim(key, "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"))
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func BenchmarkDeriveKey(b *testing.B) {
	for range b.N {
		if _, err := auth.DeriveKey("hunter2"); err != nil {
			b.Fatal(err)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	a, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)
	assert.Len(t, a, 32)

	again, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	other, err := auth.DeriveKey("hunter3")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = auth.DeriveKey("")
	assert.ErrorIs(t, err, auth.ErrEmptyPassword)
}

func TestDeriveSessionKeys(t *testing.T) {
	key, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)
	cn := make([]byte, auth.NonceSize)
	sn := make([]byte, auth.NonceSize)
	sn[0] = 1

	keys := auth.DeriveSessionKeys(key, cn, sn)
	assert.Len(t, keys.ClientToServer, 32)
	assert.Len(t, keys.ServerToClient, 32)
	assert.NotEqual(t, keys.ClientToServer, keys.ServerToClient)

	swapped := auth.DeriveSessionKeys(key, sn, cn)
	assert.NotEqual(t, keys.ClientToServer, swapped.ClientToServer, "nonce roles must matter")
}
