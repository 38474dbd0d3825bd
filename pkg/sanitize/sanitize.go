// Package sanitize cleans user-supplied text before it is shown to others.
package sanitize

import (
	"strings"
	"unicode"
)

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DisplayName makes a name safe for notification text: no control
// characters, collapsed whitespace, at most maxRunes runes.
func DisplayName(name string, maxRunes int) string {
	name = strings.Join(strings.Fields(StripControlCharacters(name)), " ")
	if maxRunes > 0 {
		if runes := []rune(name); len(runes) > maxRunes {
			name = strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
		}
	}
	return name
}
