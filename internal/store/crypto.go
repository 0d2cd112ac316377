package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Encryptor seals integration-config secrets at rest with AES-GCM.
// A nil Encryptor passes data through unchanged, for deployments that
// accept plaintext configs.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a 64-character hex key
// (32 bytes, AES-256). An empty key yields a nil pass-through Encryptor.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// encPrefix marks an encrypted blob so mixed plaintext/ciphertext
// deployments keep working after a key is introduced.
const encPrefix = "enc:v1:"

// Seal encrypts plaintext into a prefixed base64 blob. Pass-through
// when the Encryptor is nil.
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	if e == nil {
		return string(plaintext), nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Unprefixed input is returned
// as-is so pre-encryption rows stay readable.
func (e *Encryptor) Open(stored string) ([]byte, error) {
	if len(stored) < len(encPrefix) || stored[:len(encPrefix)] != encPrefix {
		return []byte(stored), nil
	}
	if e == nil {
		return nil, fmt.Errorf("encrypted config present but no encryption key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(stored[len(encPrefix):])
	if err != nil {
		return nil, fmt.Errorf("decoding encrypted config: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("encrypted config too short")
	}
	plaintext, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting config: %w", err)
	}
	return plaintext, nil
}
