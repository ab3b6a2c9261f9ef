package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := New(make([]byte, n))
		assert.Error(t, err, "key length %d", n)
	}

	_, err := New(testKey())
	assert.NoError(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New(testKey())
	require.NoError(t, err)

	for _, plaintext := range []string{"hello", "", "emoji 🎉 body", "multi\nline\ntext"} {
		env, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEmpty(t, env.IV)
		assert.NotEmpty(t, env.Tag)

		got, err := c.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	t.Parallel()

	c, err := New(testKey())
	require.NoError(t, err)

	first, err := c.Encrypt("same body")
	require.NoError(t, err)
	second, err := c.Encrypt("same body")
	require.NoError(t, err)

	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	c, err := New(testKey())
	require.NoError(t, err)

	env, err := c.Encrypt("sensitive body")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(env)
	assert.Error(t, err)
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	t.Parallel()

	c, err := New(testKey())
	require.NoError(t, err)

	env, err := c.Encrypt("sensitive body")
	require.NoError(t, err)

	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	require.NoError(t, err)
	tag[0] ^= 0xff
	env.Tag = base64.StdEncoding.EncodeToString(tag)

	_, err = c.Decrypt(env)
	assert.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	t.Parallel()

	c1, err := New(testKey())
	require.NoError(t, err)
	c2, err := New(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	env, err := c1.Encrypt("sensitive body")
	require.NoError(t, err)

	_, err = c2.Decrypt(env)
	assert.Error(t, err)
}
