package credentials

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rescale/mission-int/internal/constants"
)

const testIterations = 10000

func testCredential() Credential {
	return Credential{
		ServiceEndpointURL: "https://flood.eastus.batch.azure.com",
		ServiceAccountName: "flood",
		ServiceAccountKey:  "c2VydmljZS1rZXk=",
		StorageAccountName: "floodstore",
		StorageAccountKey:  "c3RvcmFnZS1rZXk=",
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cred := testCredential()

	data, err := Encrypt("s3cret", cred)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	got, err := Decrypt("s3cret", data)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != cred {
		t.Errorf("round trip mismatch: got %v, want %v", got, cred)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	cred := testCredential()
	a, err := encryptWithIterations("pw", cred, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	b, err := encryptWithIterations("pw", cred, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(b) {
		t.Error("two encryptions of the same credential are identical")
	}
	if strings.Contains(string(a), cred.ServiceAccountKey) {
		t.Error("ciphertext contains the plaintext key")
	}
}

func TestDecryptWrongPasscode(t *testing.T) {
	data, err := encryptWithIterations("right", testCredential(), testIterations)
	if err != nil {
		t.Fatal(err)
	}

	for _, pass := range []string{"wrong", "Right", "right "} {
		t.Run(pass, func(t *testing.T) {
			got, err := Decrypt(pass, data)
			if !errors.Is(err, ErrAuthentication) {
				t.Fatalf("expected ErrAuthentication, got %v", err)
			}
			if got != (Credential{}) {
				t.Error("failed decrypt returned non-empty credential")
			}
		})
	}
}

func TestDecryptTampered(t *testing.T) {
	data, err := encryptWithIterations("pw", testCredential(), testIterations)
	if err != nil {
		t.Fatal(err)
	}

	// Flip a byte in the salt (header) and in the ciphertext
	for _, pos := range []int{len(magic) + 6, len(data) - 1} {
		tampered := append([]byte(nil), data...)
		tampered[pos] ^= 0x01
		if _, err := Decrypt("pw", tampered); !errors.Is(err, ErrAuthentication) {
			t.Errorf("byte %d flipped: expected ErrAuthentication, got %v", pos, err)
		}
	}
}

func TestDecryptMalformed(t *testing.T) {
	good, err := encryptWithIterations("pw", testCredential(), testIterations)
	if err != nil {
		t.Fatal(err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[len(magic)] = 9

	lowIterations := append([]byte(nil), good...)
	copy(lowIterations[len(magic)+1:], []byte{0, 0, 0, 1})

	highIterations := append([]byte(nil), good...)
	copy(highIterations[len(magic)+1:], []byte{0xff, 0xff, 0xff, 0xff})

	overCap := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(overCap[len(magic)+1:], uint32(constants.MaxPBKDF2Iterations+1))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"plaintext", []byte("flood\nkey\nurl\nstore\nkey\n")},
		{"truncated", good[:headerSize]},
		{"bad version", badVersion},
		{"low iterations", lowIterations},
		{"high iterations", highIterations},
		{"iterations over cap", overCap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt("pw", tt.data); !errors.Is(err, ErrEncryption) {
				t.Errorf("expected ErrEncryption, got %v", err)
			}
		})
	}
}

func TestEncryptIncomplete(t *testing.T) {
	cred := testCredential()
	cred.StorageAccountKey = ""

	_, err := Encrypt("pw", cred)
	if !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption, got %v", err)
	}
	if !strings.Contains(err.Error(), "storage account key") {
		t.Errorf("error should name the missing field: %v", err)
	}

	if _, err := Encrypt("", testCredential()); !errors.Is(err, ErrEncryption) {
		t.Errorf("empty passcode: expected ErrEncryption, got %v", err)
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "credential.bin")

	if err := WriteFile(path, "pw", testCredential()); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}

	got, err := ReadFile(path, "pw")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got != testCredential() {
		t.Errorf("ReadFile mismatch: %v", got)
	}

	if _, err := ReadFile(path, "nope"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestReadPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cred.txt")
	c := testCredential()
	// Byte order mark and trailing blanks as left by Windows editors.
	content := fmt.Sprintf("\uFEFF%s\r\n%s \r\n%s\r\n%s\r\n%s\r\n",
		c.ServiceAccountName, c.ServiceAccountKey, c.ServiceEndpointURL, c.StorageAccountName, c.StorageAccountKey)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPlainFile(path)
	if err != nil {
		t.Fatalf("ReadPlainFile failed: %v", err)
	}
	if got != c {
		t.Errorf("ReadPlainFile mismatch: %v", got)
	}

	short := filepath.Join(dir, "short.txt")
	os.WriteFile(short, []byte("a\nb\n"), 0600)
	if _, err := ReadPlainFile(short); err == nil {
		t.Error("expected error for short file")
	}
}

func TestCredentialNeverPrintsKeys(t *testing.T) {
	c := testCredential()

	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)} {
		if strings.Contains(s, c.ServiceAccountKey) || strings.Contains(s, c.StorageAccountKey) {
			t.Errorf("formatted credential leaks a key: %s", s)
		}
	}

	var buf strings.Builder
	logger := zerolog.New(&buf)
	logger.Info().Object("credential", c).Msg("loaded")
	if strings.Contains(buf.String(), c.ServiceAccountKey) {
		t.Errorf("log line leaks a key: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "floodstore") {
		t.Errorf("log line should name the storage account: %s", buf.String())
	}
}

func TestFromEnv(t *testing.T) {
	c := testCredential()

	t.Setenv(EnvServiceURL, "")
	t.Setenv(EnvServiceAccount, "")
	t.Setenv(EnvServiceKey, "")
	t.Setenv(EnvStorageAccount, "")
	t.Setenv(EnvStorageKey, "")

	if _, ok, err := FromEnv(); ok || err != nil {
		t.Fatalf("expected no credential, got ok=%v err=%v", ok, err)
	}

	t.Setenv(EnvServiceURL, c.ServiceEndpointURL)
	if _, ok, err := FromEnv(); !ok || err == nil {
		t.Fatalf("expected incomplete credential error, got ok=%v err=%v", ok, err)
	}

	t.Setenv(EnvServiceAccount, c.ServiceAccountName)
	t.Setenv(EnvServiceKey, c.ServiceAccountKey)
	t.Setenv(EnvStorageAccount, c.StorageAccountName)
	t.Setenv(EnvStorageKey, c.StorageAccountKey)

	got, ok, err := FromEnv()
	if !ok || err != nil {
		t.Fatalf("FromEnv failed: ok=%v err=%v", ok, err)
	}
	if got != c {
		t.Errorf("FromEnv mismatch: %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MISSION_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MISSION_TEST_DOTENV", "")
	os.Unsetenv("MISSION_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("MISSION_TEST_DOTENV"); got != "loaded" {
		t.Errorf("expected variable from .env, got %q", got)
	}
}
