package event

import "strings"

// Mask hides all but the first and last two characters of a sensitive value
// so it can appear in logs.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
