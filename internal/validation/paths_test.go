package validation

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidatePathInDirectory(t *testing.T) {
	const mission = "/tmp/missions/flood"
	const caseDir = "/home/user/missions/flood/case-001"

	tests := []struct {
		path, base string
		ok         bool
	}{
		{"file.txt", mission, true},
		{"a/b/c/d/file.txt", mission, true},
		{"subdir/../file.txt", mission, true},
		{"file.txt", "uploads", true},
		{"case-001.nc", caseDir, true},
		{"_output/fort.q0001", caseDir, true},

		{"../file.txt", mission, false},
		{"subdir/../../../etc/passwd", mission, false},
		{"/etc/passwd", mission, false},
		{"../../.ssh/id_rsa", caseDir, false},
		{"../case-002/setrun.py", caseDir, false},
	}
	for _, tt := range tests {
		err := ValidatePathInDirectory(tt.path, tt.base)
		if tt.ok && err != nil {
			t.Errorf("%q in %q: unexpected error %v", tt.path, tt.base, err)
		}
		if !tt.ok && !errors.Is(err, ErrEscapesBase) {
			t.Errorf("%q in %q: error = %v, want ErrEscapesBase", tt.path, tt.base, err)
		}
	}

	if ValidatePathInDirectory("", mission) == nil || ValidatePathInDirectory("file.txt", "") == nil {
		t.Error("empty arguments must be rejected")
	}
}

func TestLocalPathForBlob(t *testing.T) {
	base := filepath.Join(t.TempDir(), "case-001")

	tests := []struct {
		blob string
		want string // empty means rejected
	}{
		{"setrun.py", filepath.Join(base, "setrun.py")},
		{"_output/fort.t0001", filepath.Join(base, "_output", "fort.t0001")},
		{"_output/./fort.t0002", filepath.Join(base, "_output", "fort.t0002")},
		{"", ""},
		{"/etc/passwd", ""},
		{"_output/../../x", ""},
		{"..", ""},
		{"dir\\file", ""},
		{"a\x00b", ""},
	}
	for _, tt := range tests {
		got, err := LocalPathForBlob(base, tt.blob)
		if tt.want == "" {
			if err == nil {
				t.Errorf("LocalPathForBlob(%q) = %q, want error", tt.blob, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("LocalPathForBlob(%q) = %q, %v; want %q", tt.blob, got, err, tt.want)
		}
	}
}
