// Package textnorm turns OCR output into the canonical word sequence every
// hash and similarity measure in docdedup is computed over.
//
// Normalization applies Unicode NFKC, full case folding, and treats every
// rune that is not a letter or digit as a word separator, so two copies of a
// document that differ only in whitespace, case or punctuation normalize to
// the same string. Runs of CJK script are segmented into words with kagome.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical form of text: words joined by single spaces.
func Normalize(text string) string {
	return strings.Join(Words(text), " ")
}

// Words splits text into normalized words.
func Words(text string) []string {
	if text == "" {
		return nil
	}
	// cases.Caser is stateful, so one per call.
	folded := cases.Fold().String(norm.NFKC.String(text))

	var (
		words []string
		word  strings.Builder
		cjk   strings.Builder
	)
	flushWord := func() {
		if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	flushCJK := func() {
		if cjk.Len() > 0 {
			words = append(words, cjkSegmenter().Split(cjk.String())...)
			cjk.Reset()
		}
	}

	for _, r := range folded {
		switch {
		case isCJK(r):
			flushWord()
			cjk.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(r)
		case unicode.Is(unicode.Mn, r) && word.Len() > 0:
			// combining marks stay attached to the letter they modify
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return words
}
