package localfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{".hidden", true},
		{".gitignore", true},
		{"visible.txt", false},
		{"/path/to/.hidden", true},
		{"/path/to/visible.txt", false},
		{"../.hidden", true},
		{"..", false},
		{".", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsHidden(tt.path); got != tt.expected {
				t.Errorf("IsHidden(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"c2", "c1", ".cache"} {
		if err := os.Mkdir(filepath.Join(dir, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinked := false
	if err := os.Symlink(filepath.Join(dir, "c1"), filepath.Join(dir, "c3")); err == nil {
		symlinked = true
	}
	// A dangling link cannot be stat'ed and is left out.
	_ = os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "c4"))

	names := func(entries []FileEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Name)
		}
		return out
	}
	withLink := func(base ...string) []string {
		if symlinked {
			return append(base, "c3")
		}
		return base
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"default", ListOptions{}, append(withLink("c1", "c2"), "notes.txt")},
		{"hidden", ListOptions{IncludeHidden: true}, append(withLink(".cache", "c1", "c2"), "notes.txt")},
		{"dirs only", ListOptions{DirsOnly: true}, withLink("c1", "c2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := ListDirectory(dir, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			got := names(entries)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}

	entries, err := ListDirectory(dir, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !filepath.IsAbs(e.Path) {
			t.Errorf("%s: path %q is not absolute", e.Name, e.Path)
		}
		if e.Name == "notes.txt" && e.Size != 5 {
			t.Errorf("notes.txt size = %d", e.Size)
		}
	}

	if _, err := ListDirectory(filepath.Join(dir, "missing"), ListOptions{}); err == nil {
		t.Error("expected error for missing directory")
	}
}
