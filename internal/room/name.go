package room

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNameLen is the display name limit after sanitization.
const MaxNameLen = 12

// CleanName sanitizes a display name: trims surrounding space, strips
// non-printable runes, and enforces the length limit.
func CleanName(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(cleaned) > MaxNameLen {
		return "", ErrInvalidName
	}
	return cleaned, nil
}
