// Package dedup decides what an incoming document is relative to the
// canonical store: a new document, an exact copy, a near duplicate, or an
// ambiguous match that needs a person. It only reads from the store.
package dedup

import (
	"context"
	"fmt"
	"sort"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/textnorm"
)

const (
	DefaultMergeThreshold  = 0.90
	DefaultAmbiguityMargin = 0.02
	DefaultCandidateLimit  = 50
)

// Options tunes classification. Zero values select the defaults.
type Options struct {
	MergeThreshold  float64
	AmbiguityMargin float64
	CandidateLimit  int
}

// Input is one document as the classifier sees it.
type Input struct {
	SourceName         string
	OriginalIdentifier string
	DocumentType       db.DocumentType
	Raw                []byte
	Text               string
}

// Prepared is an Input with its hashes computed. The fingerprint and
// shingle set are filled in lazily, the first time the fuzzy path needs
// them. A Prepared must not be used from two goroutines at once.
type Prepared struct {
	Input
	hasher.Analysis

	fingerprint hasher.Fingerprint
	bandKeys    []string
	shingles    *hasher.ShingleSet
	// byWidth caches the shingle sets used for merge scoring.
	byWidth     map[int]hasher.ShingleSet
}

// EmptyTextError reports a document whose text normalizes to no words.
// Such a document has nothing to compare and would otherwise share the
// content hash of every other empty document.
type EmptyTextError struct {
	Identifier string
}

func (e *EmptyTextError) Error() string {
	return fmt.Sprintf("text of %q has no words after normalization", e.Identifier)
}

func (e *EmptyTextError) ErrorKind() string { return "extraction_failed" }

// Result is a classified document.
type Result struct {
	Doc      *Prepared
	Decision Decision
}

// Deduplicator is safe for concurrent use.
type Deduplicator struct {
	h    *hasher.Hasher
	opts Options
}

func New(h *hasher.Hasher, opts Options) *Deduplicator {
	if h == nil {
		h = hasher.New(hasher.Options{})
	}
	if opts.MergeThreshold <= 0 || opts.MergeThreshold > 1 {
		opts.MergeThreshold = DefaultMergeThreshold
	}
	if opts.AmbiguityMargin < 0 || opts.AmbiguityMargin >= 1 {
		opts.AmbiguityMargin = DefaultAmbiguityMargin
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	return &Deduplicator{h: h, opts: opts}
}

// Hasher returns the hasher documents are prepared with.
func (d *Deduplicator) Hasher() *hasher.Hasher { return d.h }

// MergeThreshold returns the similarity at or above which documents merge.
func (d *Deduplicator) MergeThreshold() float64 { return d.opts.MergeThreshold }

// Prepare computes the cheap hashes of in. It does not touch the store.
func (d *Deduplicator) Prepare(in Input) *Prepared {
	if in.DocumentType == "" {
		in.DocumentType = db.TypeOther
	}
	return &Prepared{Input: in, Analysis: d.h.Analyze(in.Raw, in.Text)}
}

// Fingerprint returns the MinHash signature, computing it on first use.
func (p *Prepared) Fingerprint(h *hasher.Hasher) hasher.Fingerprint {
	if p.fingerprint == nil {
		p.fingerprint = h.Fingerprint(p.Words)
		p.bandKeys = h.BandKeys(p.fingerprint)
	}
	return p.fingerprint
}

// BandKeys returns the LSH band keys of the fingerprint.
func (p *Prepared) BandKeys(h *hasher.Hasher) []string {
	p.Fingerprint(h)
	return p.bandKeys
}

// ShingleSet returns the document's shingle set, computing it on first use.
func (p *Prepared) ShingleSet(h *hasher.Hasher) hasher.ShingleSet {
	if p.shingles == nil {
		s := h.ShingleSet(p.Words)
		p.shingles = &s
	}
	return *p.shingles
}

func (p *Prepared) shingleSetWidth(h *hasher.Hasher, width int) hasher.ShingleSet {
	if width == h.ShingleSize() {
		return p.ShingleSet(h)
	}
	if s, ok := p.byWidth[width]; ok {
		return s
	}
	if p.byWidth == nil {
		p.byWidth = make(map[int]hasher.ShingleSet)
	}
	s := h.ShingleSetWidth(p.Words, width)
	p.byWidth[width] = s
	return s
}

// Classify prepares in and decides it against r.
func (d *Deduplicator) Classify(ctx context.Context, r db.DBExecutor, in Input) (Result, error) {
	p := d.Prepare(in)
	dec, err := d.Decide(ctx, r, p)
	if err != nil {
		return Result{Doc: p}, err
	}
	return Result{Doc: p, Decision: dec}, nil
}

// Decide classifies an already prepared document. Checks run from cheapest
// to most expensive and the first hit wins: a stored source identity, the
// raw file hash, the content hash, then fuzzy similarity within the same
// document type. Text without any words is rejected.
func (d *Deduplicator) Decide(ctx context.Context, r db.DBExecutor, p *Prepared) (Decision, error) {
	if len(p.Words) == 0 {
		return Decision{}, &EmptyTextError{Identifier: p.OriginalIdentifier}
	}
	dec, ok, err := exactMatch(ctx, r, p)
	if err != nil || ok {
		return dec, err
	}
	return d.decideFuzzy(ctx, r, p)
}

// KnownExact reports whether r already holds p by identity or hash, in
// which case Decide will not need the fuzzy signatures.
func (d *Deduplicator) KnownExact(ctx context.Context, r db.DBExecutor, p *Prepared) (bool, error) {
	_, ok, err := exactMatch(ctx, r, p)
	return ok, err
}

func exactMatch(ctx context.Context, r db.DBExecutor, p *Prepared) (Decision, bool, error) {
	if p.SourceName != "" && p.OriginalIdentifier != "" {
		src, err := db.FindSourceByIdentity(ctx, r, p.SourceName, p.OriginalIdentifier)
		if err != nil {
			return Decision{}, false, err
		}
		if src != nil {
			return AttachExact(src.CanonicalDocumentID, MatchSourceIdentity), true, nil
		}
	}

	src, err := db.FindSourceByFileHash(ctx, r, p.FileHash)
	if err != nil {
		return Decision{}, false, err
	}
	if src != nil {
		return AttachExact(src.CanonicalDocumentID, MatchFileHash), true, nil
	}

	doc, err := db.FindByContentHash(ctx, r, p.ContentHash)
	if err != nil {
		return Decision{}, false, err
	}
	if doc != nil {
		return AttachExact(doc.ID, MatchContentHash), true, nil
	}
	return Decision{}, false, nil
}

func (d *Deduplicator) decideFuzzy(ctx context.Context, r db.DBExecutor, p *Prepared) (Decision, error) {
	ids, err := db.CandidateIDs(ctx, r, p.DocumentType, p.BandKeys(d.h), 0, d.opts.CandidateLimit)
	if err != nil {
		return Decision{}, err
	}
	if len(ids) == 0 {
		return NewCanonical(), nil
	}

	var above []db.ReviewCandidate
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		cand, err := db.GetCanonical(ctx, r, id)
		if err != nil {
			return Decision{}, fmt.Errorf("load candidate %d: %w", id, err)
		}
		theirs := textnorm.Words(cand.PrimaryText)
		width := d.h.MergeWidth(max(len(p.Words), len(theirs)), d.opts.MergeThreshold)
		sim := hasher.Jaccard(p.shingleSetWidth(d.h, width), d.h.ShingleSetWidth(theirs, width))
		if sim >= d.opts.MergeThreshold {
			above = append(above, db.ReviewCandidate{CanonicalID: id, Similarity: sim})
		}
	}

	switch len(above) {
	case 0:
		return NewCanonical(), nil
	case 1:
		return MergeFuzzy(above[0].CanonicalID, above[0].Similarity), nil
	}
	sort.SliceStable(above, func(i, j int) bool {
		if above[i].Similarity != above[j].Similarity {
			return above[i].Similarity > above[j].Similarity
		}
		return above[i].CanonicalID < above[j].CanonicalID
	})
	if above[0].Similarity-above[1].Similarity < d.opts.AmbiguityMargin {
		return Ambiguous(above), nil
	}
	return MergeFuzzy(above[0].CanonicalID, above[0].Similarity), nil
}

// Arbitrate reports whether a merged-in copy scored incoming should replace
// the canonical text scored existing. Only a strictly higher score wins, so
// ties keep the text already stored.
func Arbitrate(existing, incoming float64) bool {
	return db.QualityImproves(existing, incoming)
}
