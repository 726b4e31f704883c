// Package encryption provides the cryptographic primitives used by the credential store.
// This file implements PBKDF2-based key derivation from a user passcode.
package encryption

import (
	"crypto/pbkdf2"
	"crypto/sha256"
	"fmt"
)

// DeriveKey derives a 32-byte AES-256 key from a passcode using PBKDF2-HMAC-SHA256.
//
// Parameters:
//   - passcode: user-supplied secret, must not be empty
//   - salt: random salt stored next to the ciphertext
//   - iterations: work factor, stored next to the ciphertext
//
// The same (passcode, salt, iterations) always yields the same key.
func DeriveKey(passcode string, salt []byte, iterations int) ([]byte, error) {
	if passcode == "" {
		return nil, fmt.Errorf("passcode must not be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}

	key, err := pbkdf2.Key(sha256.New, passcode, salt, iterations, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
