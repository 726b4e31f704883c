// Package fips reports whether the binary runs in FIPS 140-3 mode. The
// credential store encrypts with AES-GCM and PBKDF2, both of which are
// covered by the Go FIPS module when built with GOFIPS140=latest.
package fips

import (
	"crypto/fips140"
	"errors"
	"os"
)

// EnvRequire makes Check fail when FIPS 140-3 mode is not active.
const EnvRequire = "MISSION_REQUIRE_FIPS"

// ErrNotEnabled is returned by Check when FIPS mode is required but off.
var ErrNotEnabled = errors.New("FIPS 140-3 mode is required but not active; rebuild with GOFIPS140=latest or run with GODEBUG=fips140=on")

// Enabled reports whether FIPS 140-3 mode is active.
func Enabled() bool {
	return fips140.Enabled()
}

// Required reports whether EnvRequire is set to "true".
func Required() bool {
	return os.Getenv(EnvRequire) == "true"
}

// Check returns ErrNotEnabled when FIPS mode is required and not active.
func Check() error {
	if Required() && !Enabled() {
		return ErrNotEnabled
	}
	return nil
}
