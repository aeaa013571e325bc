package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptRoundTrip(t *testing.T) {
	s := &Store{}
	require.NoError(t, s.SetEncryptionKey(testKey))

	enc, err := s.encrypt("sk-secret")
	require.NoError(t, err)
	assert.NotContains(t, string(enc), "sk-secret")

	again, err := s.encrypt("sk-secret")
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "nonce is random")

	plain, err := s.decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)
}

func TestEncryptEmptyKeyNeedsNoSecret(t *testing.T) {
	s := &Store{}
	enc, err := s.encrypt("")
	require.NoError(t, err)
	assert.Nil(t, enc)

	plain, err := s.decrypt(nil)
	require.NoError(t, err)
	assert.Empty(t, plain)

	_, err = s.encrypt("sk")
	assert.ErrorIs(t, err, ErrNoEncryptionKey)
}

func TestSetEncryptionKeyValidates(t *testing.T) {
	s := &Store{}
	assert.Error(t, s.SetEncryptionKey("not-hex"))
	assert.Error(t, s.SetEncryptionKey(strings.Repeat("ab", 16)))
	assert.NoError(t, s.SetEncryptionKey(testKey))
}

func TestDecryptRejectsTampering(t *testing.T) {
	s := &Store{}
	require.NoError(t, s.SetEncryptionKey(testKey))
	enc, err := s.encrypt("sk-secret")
	require.NoError(t, err)

	enc[len(enc)-1] ^= 0xff
	_, err = s.decrypt(enc)
	assert.Error(t, err)

	_, err = s.decrypt([]byte{1, 2})
	assert.Error(t, err)
}
