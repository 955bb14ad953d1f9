package hasher

import (
	"hash/fnv"
	"math"

	"github.com/japaniel/docdedup/pkg/textnorm"
)

// ShingleSet is the set of hashed k-word shingles of a document, with the
// position of every shingle kept for region reporting.
type ShingleSet struct {
	members map[uint64]struct{}
	// order holds the shingle hash at each shingle index.
	order []uint64
}

// Range is an inclusive span of shingle indexes.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ShingleSet hashes the k-word shingles of normalized words.
func (h *Hasher) ShingleSet(words []string) ShingleSet {
	return h.ShingleSetWidth(words, h.shingleSize)
}

// ShingleSetWidth hashes the width-word shingles of normalized words.
func (h *Hasher) ShingleSetWidth(words []string, width int) ShingleSet {
	shingles := textnorm.Shingles(words, width)
	set := ShingleSet{
		members: make(map[uint64]struct{}, len(shingles)),
		order:   make([]uint64, 0, len(shingles)),
	}
	for _, s := range shingles {
		hash := fnv.New64a()
		_, _ = hash.Write([]byte(s.Text))
		v := hash.Sum64()
		set.order = append(set.order, v)
		set.members[v] = struct{}{}
	}
	return set
}

// Len returns the number of distinct shingles.
func (s ShingleSet) Len() int { return len(s.members) }

// Jaccard returns |a∩b| / |a∪b|. Two empty sets are identical (1); an empty
// set against a non-empty one shares nothing (0).
func Jaccard(a, b ShingleSet) float64 {
	if a.Len() == 0 && b.Len() == 0 {
		return 1
	}
	if a.Len() == 0 || b.Len() == 0 {
		return 0
	}
	small, large := a, b
	if small.Len() > large.Len() {
		small, large = large, small
	}
	inter := 0
	for v := range small.members {
		if _, ok := large.members[v]; ok {
			inter++
		}
	}
	union := a.Len() + b.Len() - inter
	return float64(inter) / float64(union)
}

// MergeWidth returns the widest shingle, up to the configured size, at which
// two texts of n words that differ by one dropped word still score at least
// threshold. Dropping a word from the middle of n words removes width
// shingles and adds width-1, which leaves a Jaccard of (n-2*width+1)/n.
func (h *Hasher) MergeWidth(n int, threshold float64) int {
	width := int(math.Floor((float64(n)*(1-threshold)+1)/2 + 1e-9))
	if width > h.shingleSize {
		width = h.shingleSize
	}
	if width < 1 {
		width = 1
	}
	return width
}

// MergeSimilarity is the Jaccard of a and b over shingles of MergeWidth,
// sized by the longer of the two.
func (h *Hasher) MergeSimilarity(a, b []string, threshold float64) float64 {
	width := h.MergeWidth(max(len(a), len(b)), threshold)
	return Jaccard(h.ShingleSetWidth(a, width), h.ShingleSetWidth(b, width))
}

// SharedRanges returns the contiguous spans of shingle indexes in a whose
// shingle also occurs in b.
func SharedRanges(a, b ShingleSet) []Range {
	var (
		out  []Range
		open = -1
	)
	for i, v := range a.order {
		_, shared := b.members[v]
		switch {
		case shared && open < 0:
			open = i
		case !shared && open >= 0:
			out = append(out, Range{Start: open, End: i - 1})
			open = -1
		}
	}
	if open >= 0 {
		out = append(out, Range{Start: open, End: len(a.order) - 1})
	}
	return out
}
