package descriptor

import "regexp"

var (
	// (?s) allows dot to match newlines
	// (?i) makes it case-insensitive
	reRT = regexp.MustCompile(`(?si)<rt\b[^>]*>.*?</rt>`)
	reRP = regexp.MustCompile(`(?si)<rp\b[^>]*>.*?</rp>`)
)

// SanitizeRuby removes ruby annotations (<rt>) and their fallback
// parentheses (<rp>) from HTML. Readability keeps annotation text inline,
// so "漢字" would otherwise hash as "漢字かんじ" and two scans of one
// document would differ by their furigana.
func SanitizeRuby(content []byte) []byte {
	cleaned := reRT.ReplaceAll(content, []byte{})
	return reRP.ReplaceAll(cleaned, []byte{})
}
