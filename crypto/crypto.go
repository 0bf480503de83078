// Package crypto encrypts credential records at rest using AES-256-GCM.
// The stored form is base64(nonce || ciphertext || tag), suitable for text
// columns in the key-value store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Box seals and opens small secrets with a fixed 256-bit key.
// A nil *Box is valid and passes data through unchanged, which keeps
// call sites free of "is encryption configured" branches.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a base64-encoded 32-byte key. Generate one with:
//
//	openssl rand -base64 32
func New(base64Key string) (*Box, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64-encoded nonce || ciphertext || tag.
// On a nil Box the plaintext is returned verbatim.
func (b *Box) Seal(plaintext []byte) (string, error) {
	if b == nil {
		return string(plaintext), nil
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decodes and decrypts a value produced by Seal. Authentication failure
// (tampered or truncated ciphertext, wrong key) is an error.
// On a nil Box the input is returned verbatim.
func (b *Box) Open(stored string) ([]byte, error) {
	if b == nil {
		return []byte(stored), nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns, len(raw))
	}
	plaintext, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		// Don't surface AEAD internals; all failures look the same to callers.
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}
