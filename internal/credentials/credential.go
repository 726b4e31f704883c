// Package credentials holds the remote service credential and its encrypted on-disk form.
package credentials

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrEncryption indicates a credential could not be encrypted or the
	// encrypted payload is malformed.
	ErrEncryption = errors.New("credential encryption error")

	// ErrAuthentication indicates the passcode is wrong or the payload was tampered with.
	ErrAuthentication = errors.New("wrong passcode or corrupted credential")
)

// Credential identifies the compute service and storage accounts a mission runs against.
// It is held in memory only; the on-disk form is always encrypted.
type Credential struct {
	ServiceEndpointURL string `json:"serviceEndpointUrl"`
	ServiceAccountName string `json:"serviceAccountName"`
	ServiceAccountKey  string `json:"serviceAccountKey"`
	StorageAccountName string `json:"storageAccountName"`
	StorageAccountKey  string `json:"storageAccountKey"`
}

// Complete reports whether every field is set.
func (c Credential) Complete() bool {
	return c.ServiceEndpointURL != "" &&
		c.ServiceAccountName != "" &&
		c.ServiceAccountKey != "" &&
		c.StorageAccountName != "" &&
		c.StorageAccountKey != ""
}

// Missing returns the names of unset fields.
func (c Credential) Missing() []string {
	var missing []string
	if c.ServiceEndpointURL == "" {
		missing = append(missing, "service endpoint URL")
	}
	if c.ServiceAccountName == "" {
		missing = append(missing, "service account name")
	}
	if c.ServiceAccountKey == "" {
		missing = append(missing, "service account key")
	}
	if c.StorageAccountName == "" {
		missing = append(missing, "storage account name")
	}
	if c.StorageAccountKey == "" {
		missing = append(missing, "storage account key")
	}
	return missing
}

// String renders the credential with keys redacted.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{service=%s@%s, storage=%s, keys=%s}",
		c.ServiceAccountName, c.ServiceEndpointURL, c.StorageAccountName, redact(c.ServiceAccountKey, c.StorageAccountKey))
}

// GoString keeps %#v from printing keys.
func (c Credential) GoString() string {
	return c.String()
}

// MarshalZerologObject logs account names only.
func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Str("service_account", c.ServiceAccountName).
		Str("service_endpoint", c.ServiceEndpointURL).
		Str("storage_account", c.StorageAccountName).
		Str("keys", redact(c.ServiceAccountKey, c.StorageAccountKey))
}

func redact(keys ...string) string {
	for _, k := range keys {
		if k == "" {
			return "<missing>"
		}
	}
	return "<redacted>"
}
