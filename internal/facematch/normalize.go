package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeLabel returns the NFC form of a label with surrounding space removed.
// Folder names read on macOS arrive decomposed (NFD); without this the same
// person would be enrolled under two labels.
func NormalizeLabel(label string) Label {
	return Label(norm.NFC.String(strings.TrimSpace(label)))
}

// FoldForSearch lowercases and strips diacritics so "jiri" finds "Jiří".
func FoldForSearch(s string) string {
	return strings.ToLower(RemoveDiacritics(s))
}
