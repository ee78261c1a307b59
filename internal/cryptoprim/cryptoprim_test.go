package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	plaintext := []byte("the bbs never sleeps")
	ct, err := Encrypt(key, plaintext, "uuid-1", 1000)
	require.NoError(t, err)

	got, err := Decrypt(key, ct, "uuid-1", 1000)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptFailsOnSwappedAssociatedData(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	ct, err := Encrypt(key, []byte("hello"), "uuid-1", 1000)
	require.NoError(t, err)

	_, err = Decrypt(key, ct, "uuid-2", 1000)
	assert.Error(t, err)

	_, err = Decrypt(key, ct, "uuid-1", 1001)
	assert.Error(t, err)
}

func TestWrapUnwrapKey(t *testing.T) {
	masterKey, err := NewKey()
	require.NoError(t, err)

	userKey, err := NewKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(masterKey, userKey, "user:alice")
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(masterKey, wrapped, "user:alice")
	require.NoError(t, err)
	assert.Equal(t, userKey, unwrapped)

	wrongMaster, err := NewKey()
	require.NoError(t, err)
	_, err = UnwrapKey(wrongMaster, wrapped, "user:alice")
	assert.ErrorIs(t, err, bbserr.ErrWrongPassphrase)
}

func TestHashPasswordVerifyRoundTrip(t *testing.T) {
	verifier, err := HashPassword("hunter2")
	require.NoError(t, err)

	match, err := VerifyPassword("hunter2", verifier)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = VerifyPassword("wrong", verifier)
	require.NoError(t, err)
	assert.False(t, match)
}
