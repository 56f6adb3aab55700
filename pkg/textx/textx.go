// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Clamp trims text to at most maxChars runes, preferring to cut at sentence
// boundaries, then at word boundaries. A truncated result ends with "...".
// maxChars <= 0 disables clamping.
func Clamp(text string, maxChars int) string {
	t := strings.TrimSpace(text)
	if maxChars <= 0 || utf8.RuneCountInString(t) <= maxChars {
		return t
	}

	var result string
	for _, sentence := range strings.SplitAfter(t, ". ") {
		if utf8.RuneCountInString(result+sentence) > maxChars {
			break
		}
		result += sentence
	}
	if result == "" {
		// No whole sentence fits; fall back to word accumulation.
		for _, word := range strings.Fields(t) {
			next := result + word + " "
			if utf8.RuneCountInString(next) > maxChars {
				break
			}
			result = next
		}
	}
	result = strings.TrimSpace(result)
	if result == "" {
		// Single oversized token; hard cut at the rune boundary.
		runes := []rune(t)
		cut := maxChars - 3
		if cut < 1 {
			cut = 1
		}
		result = string(runes[:cut])
	}
	if utf8.RuneCountInString(result) < utf8.RuneCountInString(t) {
		result += "..."
	}
	return result
}
