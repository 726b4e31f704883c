// Package localfs lists local case folders.
package localfs

import "path/filepath"

// IsHidden reports whether the last element of path is a dot file or dot
// directory. "." and ".." are not hidden.
func IsHidden(path string) bool {
	name := filepath.Base(path)
	return len(name) > 1 && name[0] == '.' && name != ".."
}
