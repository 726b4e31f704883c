// Package diskspace checks free space on the filesystem a download lands on.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"
)

// DefaultMargin is the multiplier applied to the requested size.
const DefaultMargin = 1.1

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// CheckAvailableSpace returns an *InsufficientSpaceError when the filesystem
// holding targetPath has less than requiredBytes*margin free. targetPath itself
// may not exist yet; the nearest existing parent is checked. When free space
// cannot be determined the check passes.
func CheckAvailableSpace(targetPath string, requiredBytes int64, margin float64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available, ok := GetAvailableSpace(targetPath)
	if !ok {
		return nil
	}

	required := int64(float64(requiredBytes) * margin)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the bytes available to the current user on the
// filesystem holding path. ok is false if no parent of path can be queried.
func GetAvailableSpace(path string) (available int64, ok bool) {
	dir := filepath.Dir(path)
	for {
		if n, err := availableBytes(dir); err == nil {
			return n, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return 0, false
		}
		dir = parent
	}
}

// IsInsufficientSpaceError reports whether err wraps an *InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var target *InsufficientSpaceError
	return errors.As(err, &target)
}
