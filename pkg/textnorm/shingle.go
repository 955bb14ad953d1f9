package textnorm

import "strings"

// Shingle is one k-word window and its position in the word sequence.
type Shingle struct {
	Text  string
	Index int
}

// Shingles returns the k-word windows over words, in order. A document with
// fewer than k words yields a single shingle holding all of them, and an
// empty document yields none.
func Shingles(words []string, k int) []Shingle {
	if k < 1 {
		k = 1
	}
	if len(words) == 0 {
		return nil
	}
	if len(words) <= k {
		return []Shingle{{Text: strings.Join(words, " "), Index: 0}}
	}
	out := make([]Shingle, 0, len(words)-k+1)
	for i := 0; i+k <= len(words); i++ {
		out = append(out, Shingle{Text: strings.Join(words[i:i+k], " "), Index: i})
	}
	return out
}
