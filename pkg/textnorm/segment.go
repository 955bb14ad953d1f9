package textnorm

import (
	"strings"
	"sync"
	"unicode"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// segmenter splits runs of Japanese/Chinese script into words. Scanned
// Japanese documents carry no spaces between words, so without it a whole
// sentence would collapse into a single shingle token.
type segmenter struct {
	t *tokenizer.Tokenizer
}

var (
	segOnce sync.Once
	seg     *segmenter
)

// cjkSegmenter loads the IPA dictionary on first use. Documents without CJK
// text never pay for it.
func cjkSegmenter() *segmenter {
	segOnce.Do(func() {
		t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
		if err != nil {
			seg = &segmenter{}
			return
		}
		seg = &segmenter{t: t}
	})
	return seg
}

// Split returns the surface forms of the words in run. Without a tokenizer
// every rune becomes its own word.
func (s *segmenter) Split(run string) []string {
	if s == nil || s.t == nil {
		out := make([]string, 0, len(run))
		for _, r := range run {
			out = append(out, string(r))
		}
		return out
	}

	tokens := s.t.Tokenize(run)
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token.Class == tokenizer.DUMMY {
			continue
		}
		surface := strings.TrimSpace(token.Surface)
		if surface == "" {
			continue
		}
		out = append(out, surface)
	}
	return out
}

// isCJK reports whether r belongs to a script written without word spacing.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		r == 'ー'
}
