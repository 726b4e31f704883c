package credentials

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rescale/mission-int/internal/constants"
	encryption "github.com/rescale/mission-int/internal/crypto"
	"github.com/rescale/mission-int/internal/util/sanitize"
)

// Encrypted credential layout:
//
//	magic(7) | version(1) | iterations(4, big endian) | salt(16) | nonce(12) | ciphertext+tag
//
// The header (magic through nonce) is authenticated as GCM additional data.
const (
	magic         = "MSNCRED"
	formatVersion = 1
	headerSize    = len(magic) + 1 + 4 + encryption.SaltSize + encryption.NonceSize
)

// Encrypt seals the credential under a key derived from passcode.
// An incomplete credential or empty passcode fails with ErrEncryption.
func Encrypt(passcode string, cred Credential) ([]byte, error) {
	return encryptWithIterations(passcode, cred, constants.PBKDF2Iterations)
}

func encryptWithIterations(passcode string, cred Credential, iterations int) ([]byte, error) {
	if passcode == "" {
		return nil, fmt.Errorf("%w: passcode must not be empty", ErrEncryption)
	}
	if !cred.Complete() {
		return nil, fmt.Errorf("%w: credential is missing %s", ErrEncryption, strings.Join(cred.Missing(), ", "))
	}

	salt, err := encryption.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	key, err := encryption.DeriveKey(passcode, salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	// The nonce is part of the authenticated header.
	nonce, err := encryption.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	header := buildHeader(iterations, salt, nonce)

	sealed, err := encryption.SealWithNonce(key, nonce, plaintext, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt recovers the credential sealed by Encrypt.
// A wrong passcode or modified bytes fail with ErrAuthentication; a payload that is
// not an encrypted credential at all fails with ErrEncryption.
func Decrypt(passcode string, data []byte) (Credential, error) {
	var cred Credential

	if passcode == "" {
		return cred, fmt.Errorf("%w: passcode must not be empty", ErrAuthentication)
	}
	if len(data) < headerSize+encryption.TagSize || !bytes.HasPrefix(data, []byte(magic)) {
		return cred, fmt.Errorf("%w: not an encrypted credential", ErrEncryption)
	}
	if v := data[len(magic)]; v != formatVersion {
		return cred, fmt.Errorf("%w: unsupported format version %d", ErrEncryption, v)
	}

	off := len(magic) + 1
	iterations := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if iterations < constants.MinPBKDF2Iterations {
		return cred, fmt.Errorf("%w: iteration count %d below minimum", ErrEncryption, iterations)
	}
	if iterations > constants.MaxPBKDF2Iterations {
		return cred, fmt.Errorf("%w: iteration count %d above maximum", ErrEncryption, iterations)
	}
	salt := data[off : off+encryption.SaltSize]
	off += encryption.SaltSize
	nonce := data[off : off+encryption.NonceSize]

	key, err := encryption.DeriveKey(passcode, salt, iterations)
	if err != nil {
		return cred, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	plaintext, err := encryption.Open(key, nonce, data[headerSize:], data[:headerSize])
	if err != nil {
		if errors.Is(err, encryption.ErrDecryptionFailed) {
			return cred, ErrAuthentication
		}
		return cred, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: payload is not a credential: %v", ErrEncryption, err)
	}
	return cred, nil
}

// WriteFile encrypts the credential and writes it to path with owner-only permissions.
func WriteFile(path, passcode string, cred Credential) error {
	data, err := Encrypt(passcode, cred)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename credential file: %w", err)
	}
	return nil
}

// ReadFile loads and decrypts a credential file written by WriteFile.
func ReadFile(path, passcode string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential file: %w", err)
	}
	return Decrypt(passcode, data)
}

// ReadPlainFile reads the legacy unencrypted credential format: five lines holding
// service account name, service account key, service URL, storage account name and
// storage account key, in that order.
func ReadPlainFile(path string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential file: %w", err)
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) < 5 {
		return Credential{}, fmt.Errorf("credential file %s has %d lines, expected 5", path, len(lines))
	}

	cred := Credential{
		ServiceAccountName: sanitize.SanitizeField(lines[0]),
		ServiceAccountKey:  sanitize.SanitizeField(lines[1]),
		ServiceEndpointURL: sanitize.SanitizeField(lines[2]),
		StorageAccountName: sanitize.SanitizeField(lines[3]),
		StorageAccountKey:  sanitize.SanitizeField(lines[4]),
	}
	if !cred.Complete() {
		return Credential{}, fmt.Errorf("credential file %s is missing %s", path, strings.Join(cred.Missing(), ", "))
	}
	return cred, nil
}

func buildHeader(iterations int, salt, nonce []byte) []byte {
	header := make([]byte, 0, headerSize)
	header = append(header, magic...)
	header = append(header, formatVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(iterations))
	header = append(header, salt...)
	header = append(header, nonce...)
	return header
}
