// Package crypto seals the remote-source credentials an upload draft keeps
// between wizard steps.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed covers malformed ciphertext, a wrong key and a
	// scope mismatch alike.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// CredentialEncryptor is AES-256-GCM over a key derived from the
// credentials_key setting.
type CredentialEncryptor struct {
	gcm cipher.AEAD
}

// NewCredentialEncryptor accepts either a base64 encoded 32-byte key
// (openssl rand -base64 32) or an arbitrary passphrase, which is hashed
// with SHA-256.
func NewCredentialEncryptor(keyInput string) (*CredentialEncryptor, error) {
	if strings.TrimSpace(keyInput) == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.DecodeString(keyInput)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyInput))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CredentialEncryptor{gcm: gcm}, nil
}

// Encrypt is SealFor with no scope.
func (e *CredentialEncryptor) Encrypt(plaintext string) (string, error) {
	return e.SealFor(plaintext, "")
}

// Decrypt is OpenFor with no scope.
func (e *CredentialEncryptor) Decrypt(encrypted string) (string, error) {
	return e.OpenFor(encrypted, "")
}

// SealFor encrypts plaintext bound to scope, returning
// base64(nonce || ciphertext || tag). The same scope must be given to
// OpenFor. Empty input stays empty.
func (e *CredentialEncryptor) SealFor(plaintext, scope string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), additionalData(scope))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenFor reverses SealFor.
func (e *CredentialEncryptor) OpenFor(encrypted, scope string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize+e.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := e.gcm.Open(nil, data[:nonceSize], data[nonceSize:], additionalData(scope))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// Scope joins the parts a sealed value is bound to, typically a workflow id
// and a connection name.
func Scope(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func additionalData(scope string) []byte {
	if scope == "" {
		return nil
	}
	return []byte(scope)
}
