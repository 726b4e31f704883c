package localfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ListOptions configures ListDirectory.
type ListOptions struct {
	// IncludeHidden includes entries starting with a dot.
	IncludeHidden bool
	// DirsOnly drops everything that is not a directory. Symlinks to
	// directories count as directories.
	DirsOnly bool
}

// FileEntry is one entry of a local directory.
type FileEntry struct {
	Path    string // absolute path
	Name    string
	Size    int64 // 0 for directories
	IsDir   bool
	ModTime time.Time
	Mode    fs.FileMode
}

// ListDirectory returns the entries of dir in name order. Entries that
// cannot be stat'ed are left out.
func ListDirectory(dir string, opts ListOptions) ([]FileEntry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	result := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !opts.IncludeHidden && IsHidden(name) {
			continue
		}

		p := filepath.Join(abs, name)
		// os.Stat follows symlinks, entry.Info does not.
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if opts.DirsOnly && !info.IsDir() {
			continue
		}

		fe := FileEntry{
			Path:    p,
			Name:    name,
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
		}
		if !fe.IsDir {
			fe.Size = info.Size()
		}
		result = append(result, fe)
	}
	return result, nil
}
