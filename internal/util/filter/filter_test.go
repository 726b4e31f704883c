package filter

import (
	"reflect"
	"testing"
)

func TestUploadRules(t *testing.T) {
	rules := MustCompile(UploadPatterns()...)

	testCases := []struct {
		path    string
		ignored bool
	}{
		{"case-1/setrun.py", false},
		{"case-1/setplot.py", false},
		{"case-1/hydro_feature.csv", false},
		{"case-1/__pycache__/setrun.cpython-36.pyc", true},
		{"case-1/claw.data", true},
		{"case-1/_output/fort.q0001", true},
		{"case-1/_output/fort.t0001", true},
		{"case-1/_plots/frame0001.png", true},
		{"case-1/topo.asc", true},
		{"case-1/hydro_0.prj", true},
		{"case-1/case-1.nc", true},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			if got := rules.Ignored(tc.path); got != tc.ignored {
				t.Errorf("Ignored(%q) = %v, want %v", tc.path, got, tc.ignored)
			}
		})
	}
}

func TestDownloadRules(t *testing.T) {
	testCases := []struct {
		name    string
		opts    DownloadOptions
		path    string
		ignored bool
	}{
		{"stdout_always", DownloadOptions{}, "c1/stdout.txt", false},
		{"netcdf_always", DownloadOptions{}, "c1/c1.nc", false},
		{"pycache_always", DownloadOptions{IncludeRawData: true, IncludeFigures: true, IncludeRasterInputs: true}, "c1/__pycache__/x.pyc", true},
		{"raw_default", DownloadOptions{}, "c1/_output/fort.q0003", true},
		{"raw_included", DownloadOptions{IncludeRawData: true}, "c1/_output/fort.q0003", false},
		{"data_default", DownloadOptions{}, "c1/_output/amr.data", true},
		{"figure_default", DownloadOptions{}, "c1/_plots/frame0001fig0.png", true},
		{"figure_included", DownloadOptions{IncludeFigures: true}, "c1/_plots/frame0001fig0.png", false},
		{"raster_default", DownloadOptions{}, "c1/topo.asc", true},
		{"raster_included", DownloadOptions{IncludeRasterInputs: true}, "c1/topo.asc", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rules := MustCompile(DownloadPatterns(tc.opts)...)
			if got := rules.Ignored(tc.path); got != tc.ignored {
				t.Errorf("Ignored(%q) = %v, want %v", tc.path, got, tc.ignored)
			}
		})
	}
}

func TestCompileInvalid(t *testing.T) {
	if _, err := Compile(`(`); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestNilRules(t *testing.T) {
	var r *Rules
	if r.Ignored("anything") {
		t.Error("nil rules should ignore nothing")
	}
	if r.Patterns() != nil {
		t.Error("nil rules should have no patterns")
	}
}

func TestParsePatternList(t *testing.T) {
	testCases := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{`.*?\.log`, []string{`.*?\.log`}},
		{` tmp , .*?\.bak ,,`, []string{"tmp", `.*?\.bak`}},
	}
	for _, tc := range testCases {
		if got := ParsePatternList(tc.input); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParsePatternList(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
