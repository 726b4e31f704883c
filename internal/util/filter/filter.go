// Package filter decides which case files travel between the local case folder
// and the storage container. Rules are regular expressions searched anywhere in
// the slash-separated relative path, so "_plots" excludes a whole directory and
// `fort\..*?` excludes every raw solver output file.
package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Built-in rule groups
var (
	// Pycache is never transferred in either direction.
	Pycache = []string{`__pycache__`}

	// RawData matches solver checkpoints and raw frame output.
	RawData = []string{`.*?\.data`, `fort\..*?`}

	// Figures matches the plot directory written by post-processing.
	Figures = []string{`_plots`}

	// Rasters matches topography and hydrology raster inputs.
	Rasters = []string{`.*?\.asc`, `.*?\.prj`}

	// NetCDF matches post-processed result files.
	NetCDF = []string{`.*?\.nc`}
)

// Rules is a compiled ignore list. The zero value ignores nothing.
type Rules struct {
	patterns []*regexp.Regexp
}

// Compile builds Rules from regular expressions.
func Compile(patterns ...string) (*Rules, error) {
	r := &Rules{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// MustCompile is Compile for the built-in groups; it panics on a bad pattern.
func MustCompile(patterns ...string) *Rules {
	r, err := Compile(patterns...)
	if err != nil {
		panic(err)
	}
	return r
}

// Ignored reports whether relPath matches any rule.
func (r *Rules) Ignored(relPath string) bool {
	if r == nil {
		return false
	}
	relPath = filepath.ToSlash(relPath)
	for _, re := range r.patterns {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// Patterns returns the source expressions.
func (r *Rules) Patterns() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.patterns))
	for i, re := range r.patterns {
		out[i] = re.String()
	}
	return out
}

// UploadPatterns are excluded when a case folder is uploaded: only the inputs
// the solver needs are sent.
func UploadPatterns() []string {
	return concat(Pycache, RawData, Figures, Rasters, NetCDF)
}

// DownloadOptions selects optional artifact groups for a download.
type DownloadOptions struct {
	IncludeRawData      bool
	IncludeFigures      bool
	IncludeRasterInputs bool
}

// DownloadPatterns returns the ignore list for a download.
func DownloadPatterns(opts DownloadOptions) []string {
	groups := [][]string{Pycache}
	if !opts.IncludeRawData {
		groups = append(groups, RawData)
	}
	if !opts.IncludeFigures {
		groups = append(groups, Figures)
	}
	if !opts.IncludeRasterInputs {
		groups = append(groups, Rasters)
	}
	return concat(groups...)
}

// ParsePatternList parses a comma-separated list of patterns into a slice.
// Example: `.*?\.log, tmp` -> []string{`.*?\.log`, "tmp"}
func ParsePatternList(patternStr string) []string {
	if patternStr == "" {
		return nil
	}
	parts := strings.Split(patternStr, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
