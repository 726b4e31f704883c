// Package sanitize cleans values that were typed, pasted or read from files
// edited on another platform before they reach a remote service.
//
// Both functions remove invisible Unicode characters (zero-width spaces, byte
// order marks, soft hyphens) and surrounding whitespace.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	invisibleChars = strings.NewReplacer(
		"\u200B", "", // zero-width space
		"\u200C", "", // zero-width non-joiner
		"\u200D", "", // zero-width joiner
		"\uFEFF", "", // byte order mark
		"\u00AD", "", // soft hyphen
		"\u2060", "", // word joiner
		"\u180E", "", // Mongolian vowel separator
	)
	lineEndings      = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	trailingBlanks   = regexp.MustCompile(`[ \t]+\n`)
	repeatedNewlines = regexp.MustCompile(`\n{2,}`)
)

// SanitizeCommand normalizes a task command line. Line endings become LF,
// trailing blanks and empty lines are dropped. Spacing inside a line is kept
// since it may be quoted.
func SanitizeCommand(cmd string) string {
	if cmd == "" {
		return cmd
	}
	cmd = lineEndings.Replace(cmd)
	cmd = invisibleChars.Replace(cmd)
	cmd = trailingBlanks.ReplaceAllString(cmd, "\n")
	cmd = repeatedNewlines.ReplaceAllString(cmd, "\n")
	return strings.TrimSpace(cmd)
}

// SanitizeField cleans a single-line value such as an account name or key.
func SanitizeField(field string) string {
	if field == "" {
		return field
	}
	return strings.TrimSpace(invisibleChars.Replace(field))
}
