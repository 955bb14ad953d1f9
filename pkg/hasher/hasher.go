// Package hasher computes the three hash forms docdedup keys documents on:
// a digest of the raw file bytes, a digest of the normalized text, and a
// MinHash fingerprint over word shingles for near-duplicate search.
//
// Everything here is a pure function of its input. Seeds are fixed, so the
// same text fingerprints identically across processes and releases; changing
// DefaultNumHashes, DefaultBands or the seed constant invalidates every stored
// fingerprint.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/japaniel/docdedup/pkg/textnorm"
)

const (
	DefaultShingleSize = 3
	DefaultNumHashes   = 128
	DefaultBands       = 64
)

// Options configures a Hasher. Zero values select the defaults.
type Options struct {
	ShingleSize int
	NumHashes   int
	Bands       int
}

// Hasher is safe for concurrent use.
type Hasher struct {
	shingleSize int
	numHashes   int
	bands       int
	seeds       []uint64
}

// Hashes holds the cheap, always-computed digests of a document.
type Hashes struct {
	// FileHash is empty when no raw bytes were supplied.
	FileHash    string
	ContentHash string
}

// Analysis is the result of hashing one document.
type Analysis struct {
	Hashes
	Words []string
}

// New returns a Hasher. NumHashes is rounded down to a multiple of Bands.
func New(opts Options) *Hasher {
	if opts.ShingleSize <= 0 {
		opts.ShingleSize = DefaultShingleSize
	}
	if opts.NumHashes <= 0 {
		opts.NumHashes = DefaultNumHashes
	}
	if opts.Bands <= 0 || opts.Bands > opts.NumHashes {
		opts.Bands = DefaultBands
		if opts.Bands > opts.NumHashes {
			opts.Bands = opts.NumHashes
		}
	}
	opts.NumHashes -= opts.NumHashes % opts.Bands

	return &Hasher{
		shingleSize: opts.ShingleSize,
		numHashes:   opts.NumHashes,
		bands:       opts.Bands,
		seeds:       seedSequence(opts.NumHashes),
	}
}

// ShingleSize returns the shingle width in words.
func (h *Hasher) ShingleSize() int { return h.shingleSize }

// Analyze normalizes text and computes the file and content digests.
func (h *Hasher) Analyze(raw []byte, text string) Analysis {
	words := textnorm.Words(text)
	return Analysis{
		Hashes: Hashes{
			FileHash:    FileHash(raw),
			ContentHash: ContentHashWords(words),
		},
		Words: words,
	}
}

// FileHash returns the hex SHA-256 of raw, or "" for no bytes.
func FileHash(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the hex SHA-256 of the normalized form of text.
func ContentHash(text string) string {
	return ContentHashWords(textnorm.Words(text))
}

// ContentHashWords hashes an already-normalized word sequence.
func ContentHashWords(words []string) string {
	hash := sha256.New()
	for i, w := range words {
		if i > 0 {
			_, _ = hash.Write([]byte{' '})
		}
		_, _ = hash.Write([]byte(w))
	}
	return hex.EncodeToString(hash.Sum(nil))
}
