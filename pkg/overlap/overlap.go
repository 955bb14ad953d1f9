// Package overlap finds canonical documents that share a significant part of
// their text without being the same document, such as a forwarded email that
// quotes a memo in full.
package overlap

import (
	"context"
	"fmt"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/textnorm"
)

const (
	DefaultOverlapThreshold = 0.30
	DefaultMergeThreshold   = 0.90
	DefaultCandidateLimit   = 50
)

// Options bounds what counts as an overlap: a ratio in
// [OverlapThreshold, MergeThreshold).
type Options struct {
	OverlapThreshold float64
	MergeThreshold   float64
	CandidateLimit   int
}

// Misrouted is a pair that shares at least MergeThreshold of its content.
// Such a pair should have been merged; it is reported, never stored as an
// overlap.
type Misrouted struct {
	CanonicalID int64
	OtherID     int64
	Ratio       float64
}

func (m Misrouted) Error() string {
	return fmt.Sprintf("canonical documents %d and %d share %.4f of their content", m.CanonicalID, m.OtherID, m.Ratio)
}

func (m Misrouted) ErrorKind() string { return "missed_duplicate" }

// Report is the result of one detection pass.
type Report struct {
	Overlaps  []db.PartialOverlap
	Misrouted []Misrouted
}

// Detector is safe for concurrent use.
type Detector struct {
	h    *hasher.Hasher
	opts Options
}

func New(h *hasher.Hasher, opts Options) *Detector {
	if h == nil {
		h = hasher.New(hasher.Options{})
	}
	if opts.MergeThreshold <= 0 || opts.MergeThreshold > 1 {
		opts.MergeThreshold = DefaultMergeThreshold
	}
	if opts.OverlapThreshold <= 0 || opts.OverlapThreshold >= opts.MergeThreshold {
		opts.OverlapThreshold = DefaultOverlapThreshold
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	return &Detector{h: h, opts: opts}
}

// Detect compares canonicalID against the canonical documents of the same
// type that share a fingerprint band with it. It reads only; storing the
// overlaps is up to the caller.
func (d *Detector) Detect(ctx context.Context, r db.DBExecutor, canonicalID int64) (Report, error) {
	var rep Report
	doc, err := db.GetCanonical(ctx, r, canonicalID)
	if err != nil {
		return rep, err
	}
	words := textnorm.Words(doc.PrimaryText)
	mine := d.h.ShingleSet(words)
	if mine.Len() == 0 {
		return rep, nil
	}
	keys := d.h.BandKeys(d.h.Fingerprint(words))

	ids, err := db.CandidateIDs(ctx, r, doc.DocumentType, keys, canonicalID, d.opts.CandidateLimit)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		other, err := db.GetCanonical(ctx, r, id)
		if err != nil {
			return rep, fmt.Errorf("load overlap candidate %d: %w", id, err)
		}
		theirs := d.h.ShingleSet(textnorm.Words(other.PrimaryText))
		ratio := hasher.Jaccard(mine, theirs)

		switch {
		case ratio >= d.opts.MergeThreshold:
			rep.Misrouted = append(rep.Misrouted, Misrouted{CanonicalID: canonicalID, OtherID: id, Ratio: ratio})
		case ratio >= d.opts.OverlapThreshold:
			rep.Overlaps = append(rep.Overlaps, pairOverlap(canonicalID, mine, id, theirs, ratio))
		}
	}
	return rep, nil
}

func pairOverlap(aID int64, a hasher.ShingleSet, bID int64, b hasher.ShingleSet, ratio float64) db.PartialOverlap {
	if aID > bID {
		aID, bID = bID, aID
		a, b = b, a
	}
	var regions []db.Region
	for _, rg := range hasher.SharedRanges(a, b) {
		regions = append(regions, db.Region{DocumentID: aID, Start: rg.Start, End: rg.End})
	}
	for _, rg := range hasher.SharedRanges(b, a) {
		regions = append(regions, db.Region{DocumentID: bID, Start: rg.Start, End: rg.End})
	}
	return db.PartialOverlap{DocumentAID: aID, DocumentBID: bID, OverlapRatio: ratio, Regions: regions}
}
