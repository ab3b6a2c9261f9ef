// Package crypto implements authenticated encryption of message bodies
// before persistence (AES-256-GCM, fresh nonce per call).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const keyBytes = 32

// Envelope carries the ciphertext together with the nonce and authentication
// tag, each base64-encoded for storage.
type Envelope struct {
	Ciphertext string
	IV         string
	Tag        string
}

// Cipher encrypts and decrypts message bodies with a process-wide key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != keyBytes {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", keyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The GCM tag is split
// off the sealed output and stored separately in the envelope.
func (c *Cipher) Encrypt(plaintext string) (Envelope, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagAt := len(sealed) - c.aead.Overhead()

	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagAt]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[tagAt:]),
	}, nil
}

// Decrypt opens an envelope. A tampered ciphertext or tag fails the GCM tag
// check and returns an error, never a wrong plaintext.
func (c *Cipher) Decrypt(env Envelope) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("iv must be %d bytes, got %d", c.aead.NonceSize(), len(nonce))
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
