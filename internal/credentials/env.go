package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/rescale/mission-int/internal/util/sanitize"
)

// Environment variables read by FromEnv.
const (
	EnvServiceURL     = "MISSION_SERVICE_URL"
	EnvServiceAccount = "MISSION_SERVICE_ACCOUNT"
	EnvServiceKey     = "MISSION_SERVICE_KEY"
	EnvStorageAccount = "MISSION_STORAGE_ACCOUNT"
	EnvStorageKey     = "MISSION_STORAGE_KEY"
	EnvPasscode       = "MISSION_PASSCODE"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv builds a credential from MISSION_* environment variables.
// ok is false when none of them is set.
func FromEnv() (cred Credential, ok bool, err error) {
	cred = Credential{
		ServiceEndpointURL: sanitize.SanitizeField(os.Getenv(EnvServiceURL)),
		ServiceAccountName: sanitize.SanitizeField(os.Getenv(EnvServiceAccount)),
		ServiceAccountKey:  sanitize.SanitizeField(os.Getenv(EnvServiceKey)),
		StorageAccountName: sanitize.SanitizeField(os.Getenv(EnvStorageAccount)),
		StorageAccountKey:  sanitize.SanitizeField(os.Getenv(EnvStorageKey)),
	}
	if cred == (Credential{}) {
		return cred, false, nil
	}
	if !cred.Complete() {
		return Credential{}, true, fmt.Errorf("environment credential is missing %s", strings.Join(cred.Missing(), ", "))
	}
	return cred, true, nil
}
