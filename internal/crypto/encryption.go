package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	KeySize   = 32 // 256-bit key for AES-256
	SaltSize  = 16 // 128-bit salt for key derivation
	NonceSize = 12 // 96-bit nonce for AES-GCM
	TagSize   = 16 // 128-bit GCM authentication tag
)

// ErrDecryptionFailed is returned when a sealed payload fails authentication.
// It covers both a wrong key and tampered ciphertext; GCM cannot tell them apart.
var ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

// GenerateSalt generates a random 128-bit salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce generates a random 96-bit GCM nonce
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SealWithNonce encrypts plaintext with AES-256-GCM under a caller-chosen nonce.
// additionalData is authenticated but not encrypted, and the returned ciphertext
// has the 16-byte tag appended. Callers must never reuse a nonce with the same key.
func SealWithNonce(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open reverses SealWithNonce. Any authentication failure returns ErrDecryptionFailed.
func Open(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// CalculateMD5 calculates the MD5 digest of a file as lowercase hex.
// Blob services report the same digest as Content-MD5, so it serves as the
// artifact fingerprint when deciding whether a transfer can be skipped.
func CalculateMD5(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
