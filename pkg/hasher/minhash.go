package hasher

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

const seedBase uint64 = 0x9e3779b97f4a7c15

// Fingerprint is a MinHash signature over the word shingles of a document.
type Fingerprint []uint64

// Fingerprint computes the MinHash signature of normalized words. This is
// the expensive path; callers compute it only after exact lookup misses.
func (h *Hasher) Fingerprint(words []string) Fingerprint {
	set := h.ShingleSet(words)
	fp := make(Fingerprint, h.numHashes)
	for i := range fp {
		fp[i] = math.MaxUint64
	}
	for _, base := range set.order {
		for i, seed := range h.seeds {
			if v := splitmix(base ^ seed); v < fp[i] {
				fp[i] = v
			}
		}
	}
	return fp
}

// BandKeys splits the signature into LSH bands and hashes each band. Two
// documents become fuzzy-match candidates when any band key is equal.
func (h *Hasher) BandKeys(fp Fingerprint) []string {
	if len(fp) == 0 {
		return nil
	}
	bands := h.bands
	if len(fp) < bands {
		bands = len(fp)
	}
	rows := len(fp) / bands
	keys := make([]string, 0, bands)
	buf := make([]byte, 8)
	for b := 0; b < bands; b++ {
		hash := fnv.New64a()
		for _, v := range fp[b*rows : (b+1)*rows] {
			binary.BigEndian.PutUint64(buf, v)
			_, _ = hash.Write(buf)
		}
		keys = append(keys, fmt.Sprintf("%016x", hash.Sum64()))
	}
	return keys
}

// Estimate returns the fraction of matching signature slots, an unbiased
// estimate of the Jaccard similarity of the underlying shingle sets.
func (fp Fingerprint) Estimate(other Fingerprint) float64 {
	if len(fp) == 0 || len(fp) != len(other) {
		return 0
	}
	same := 0
	for i := range fp {
		if fp[i] == other[i] {
			same++
		}
	}
	return float64(same) / float64(len(fp))
}

// String encodes the signature as lowercase hex, 16 characters per slot.
func (fp Fingerprint) String() string {
	if len(fp) == 0 {
		return ""
	}
	buf := make([]byte, 8*len(fp))
	for i, v := range fp {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return hex.EncodeToString(buf)
}

// ParseFingerprint decodes the String form.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("decode fingerprint: length %d is not a multiple of 8", len(raw))
	}
	fp := make(Fingerprint, len(raw)/8)
	for i := range fp {
		fp[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return fp, nil
}

func seedSequence(n int) []uint64 {
	seeds := make([]uint64, n)
	state := seedBase
	for i := range seeds {
		state += seedBase
		seeds[i] = splitmix(state)
	}
	return seeds
}

// splitmix is the SplitMix64 finalizer.
func splitmix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
