// Package secrets handles encryption of client SSNs at rest. Values are
// stored as base64(nonce || AES-GCM ciphertext) under a single service key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrNoKey = errors.New("SSN encryption key is not configured")

// Vault encrypts and decrypts SSNs with a 16- or 32-byte key.
type Vault struct {
	key []byte
}

func NewVault(key string) (*Vault, error) {
	if key == "" {
		return nil, ErrNoKey
	}
	k := []byte(key)
	if len(k) != 16 && len(k) != 32 {
		return nil, fmt.Errorf("SSN encryption key must be 16 or 32 bytes, got %d", len(k))
	}
	return &Vault{key: k}, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns the encoded ciphertext for a plaintext SSN.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt recovers the plaintext SSN from an encoded ciphertext.
func (v *Vault) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid SSN ciphertext encoding: %w", err)
	}

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("SSN ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SSN: %w", err)
	}

	return string(plaintext), nil
}
