// Package credentials encrypts tenant binding credentials at rest.
//
// Ciphertext layout: one version byte identifying the key, followed by the
// AES-256-GCM nonce and the sealed payload. Keys are held in a lookup table
// so rotation adds a new version without re-encrypting existing rows.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrUnknownKeyVersion means the ciphertext was sealed with a key this
	// process does not hold.
	ErrUnknownKeyVersion = errors.New("credentials: unknown key version")
	// ErrMalformedCiphertext means the blob is too short or not base64.
	ErrMalformedCiphertext = errors.New("credentials: malformed ciphertext")
)

// Cipher seals and opens credential blobs with a versioned key set.
type Cipher struct {
	keys    map[byte][]byte
	current byte
}

// NewCipher builds a cipher from the versioned key set. current selects the
// key used for new encryptions; every key in the map can decrypt.
// Keys are passphrases of any length; each is stretched to 32 bytes.
func NewCipher(keys map[byte]string, current byte) (*Cipher, error) {
	if len(keys) == 0 {
		return nil, errors.New("credentials: no keys configured")
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("credentials: current key version %d not in key set", current)
	}
	derived := make(map[byte][]byte, len(keys))
	for v, k := range keys {
		sum := sha256.Sum256([]byte(k))
		derived[v] = sum[:]
	}
	return &Cipher{keys: derived, current: current}, nil
}

// NewSingleKeyCipher is the common case: one key from the environment,
// version 1.
func NewSingleKeyCipher(key string) (*Cipher, error) {
	return NewCipher(map[byte]string{1: key}, 1)
}

// Encrypt seals plaintext with the current key and returns a base64 blob.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm(c.current)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credentials: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, 1+len(nonce)+len(sealed))
	blob = append(blob, c.current)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt under any known key version.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	if len(blob) < 2 {
		return "", ErrMalformedCiphertext
	}
	version := blob[0]
	if _, ok := c.keys[version]; !ok {
		return "", ErrUnknownKeyVersion
	}
	gcm, err := c.gcm(version)
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(blob) < 1+ns {
		return "", ErrMalformedCiphertext
	}
	nonce, sealed := blob[1:1+ns], blob[1+ns:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: open: %w", err)
	}
	return string(plaintext), nil
}

func (c *Cipher) gcm(version byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.keys[version])
	if err != nil {
		return nil, fmt.Errorf("credentials: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
