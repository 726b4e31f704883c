// Package strings formats counts for people.
package strings

import "strconv"

// Plural returns "1 task", "0 tasks", "3 tasks" and so on. Only regular
// plurals are supported.
func Plural(n int, word string) string {
	if n != 1 {
		word += "s"
	}
	return strconv.Itoa(n) + " " + word
}
