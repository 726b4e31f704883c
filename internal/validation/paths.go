// Package validation checks identifiers and paths that cross the local/remote boundary.
package validation

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrEscapesBase is returned for paths that resolve outside their base directory.
var ErrEscapesBase = errors.New("path escapes base directory")

// ValidatePathInDirectory reports whether p, taken relative to baseDir unless
// already absolute, stays inside baseDir once cleaned. A relative baseDir is
// resolved against the working directory first.
//
//	ValidatePathInDirectory("_output/fort.q0001", "/tmp/cases") // nil
//	ValidatePathInDirectory("../../etc/passwd", "/tmp/cases")   // ErrEscapesBase
func ValidatePathInDirectory(p, baseDir string) error {
	switch {
	case p == "":
		return errors.New("path cannot be empty")
	case baseDir == "":
		return errors.New("base directory cannot be empty")
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base directory: %w", err)
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	rel, err := filepath.Rel(base, filepath.Clean(target))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEscapesBase, p, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s (base: %s)", ErrEscapesBase, p, baseDir)
	}
	return nil
}

// LocalPathForBlob maps a blob name relative to a case prefix onto a file
// under baseDir. Blob names use forward slashes only; empty, absolute or
// climbing names and names with NUL bytes or backslashes are rejected.
func LocalPathForBlob(baseDir, blobRel string) (string, error) {
	var reason string
	switch {
	case blobRel == "":
		reason = "empty"
	case strings.ContainsRune(blobRel, 0):
		reason = "contains a null byte"
	case strings.ContainsRune(blobRel, '\\'):
		reason = "contains a backslash"
	case path.IsAbs(blobRel):
		reason = "is absolute"
	case hasDotDot(blobRel):
		reason = "contains '..'"
	}
	if reason != "" {
		return "", fmt.Errorf("blob name %q %s", blobRel, reason)
	}

	local := filepath.Join(baseDir, filepath.FromSlash(blobRel))
	if err := ValidatePathInDirectory(local, baseDir); err != nil {
		return "", err
	}
	return local, nil
}

func hasDotDot(name string) bool {
	for part := range strings.SplitSeq(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
