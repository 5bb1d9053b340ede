package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewSingleKeyCipher("super-secret-passphrase")
	require.NoError(t, err)

	plain := `{"access_token":"tok","api_key":"","base_url":""}`
	blob, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, blob)

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := NewSingleKeyCipher("k")
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWithRotatedKeySet(t *testing.T) {
	old, err := NewCipher(map[byte]string{1: "old-key"}, 1)
	require.NoError(t, err)
	blob, err := old.Encrypt("legacy credentials")
	require.NoError(t, err)

	// A rotated cipher encrypts under v2 but still opens v1 blobs.
	rotated, err := NewCipher(map[byte]string{1: "old-key", 2: "new-key"}, 2)
	require.NoError(t, err)

	got, err := rotated.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "legacy credentials", got)

	fresh, err := rotated.Encrypt("new credentials")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(fresh)
	require.NoError(t, err)
	assert.Equal(t, byte(2), raw[0])
}

func TestDecryptUnknownKeyVersion(t *testing.T) {
	writer, err := NewCipher(map[byte]string{9: "other"}, 9)
	require.NoError(t, err)
	blob, err := writer.Encrypt("x")
	require.NoError(t, err)

	reader, err := NewSingleKeyCipher("k")
	require.NoError(t, err)
	_, err = reader.Decrypt(blob)
	assert.ErrorIs(t, err, ErrUnknownKeyVersion)
}

func TestDecryptMalformedInput(t *testing.T) {
	c, err := NewSingleKeyCipher("k")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!!")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte{1}))
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	// Version byte known but blob shorter than a nonce.
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c, err := NewSingleKeyCipher("k")
	require.NoError(t, err)
	blob, err := c.Encrypt("payload")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestNewCipherValidation(t *testing.T) {
	_, err := NewCipher(map[byte]string{}, 1)
	assert.Error(t, err)

	_, err = NewCipher(map[byte]string{1: "k"}, 2)
	assert.Error(t, err)
}
