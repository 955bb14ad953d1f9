package dedup

import (
	"fmt"
	"strings"

	"github.com/japaniel/docdedup/pkg/db"
)

// Kind names the four possible classifications of an incoming document.
type Kind string

const (
	KindNewCanonical Kind = "new_canonical"
	KindAttachExact  Kind = "attach_exact"
	KindMergeFuzzy   Kind = "merge_fuzzy"
	KindAmbiguous    Kind = "ambiguous"
)

// Match records which check produced an AttachExact decision.
type Match string

const (
	MatchSourceIdentity Match = "source_identity"
	MatchFileHash       Match = "file_hash"
	MatchContentHash    Match = "content_hash"
)

// Decision is the outcome of classifying one document. Which fields are set
// depends on Kind:
//
//	NewCanonical: nothing
//	AttachExact:  CanonicalID, Match
//	MergeFuzzy:   CanonicalID, Similarity
//	Ambiguous:    Candidates (best first)
type Decision struct {
	Kind        Kind
	CanonicalID int64
	Similarity  float64
	Match       Match
	Candidates  []db.ReviewCandidate
}

func NewCanonical() Decision { return Decision{Kind: KindNewCanonical} }

func AttachExact(canonicalID int64, m Match) Decision {
	return Decision{Kind: KindAttachExact, CanonicalID: canonicalID, Similarity: 1, Match: m}
}

func MergeFuzzy(canonicalID int64, similarity float64) Decision {
	return Decision{Kind: KindMergeFuzzy, CanonicalID: canonicalID, Similarity: similarity}
}

func Ambiguous(candidates []db.ReviewCandidate) Decision {
	return Decision{Kind: KindAmbiguous, Candidates: candidates}
}

func (d Decision) String() string {
	switch d.Kind {
	case KindAttachExact:
		return fmt.Sprintf("attach_exact(%d by %s)", d.CanonicalID, d.Match)
	case KindMergeFuzzy:
		return fmt.Sprintf("merge_fuzzy(%d @ %.4f)", d.CanonicalID, d.Similarity)
	case KindAmbiguous:
		parts := make([]string, 0, len(d.Candidates))
		for _, c := range d.Candidates {
			parts = append(parts, fmt.Sprintf("%d@%.4f", c.CanonicalID, c.Similarity))
		}
		return "ambiguous(" + strings.Join(parts, ",") + ")"
	default:
		return string(d.Kind)
	}
}

// Err returns *AmbiguousMergeError for an Ambiguous decision and nil
// otherwise.
func (d Decision) Err() error {
	if d.Kind != KindAmbiguous {
		return nil
	}
	return &AmbiguousMergeError{Candidates: d.Candidates}
}

// AmbiguousMergeError reports a document that matched several canonical
// documents too closely to pick one automatically.
type AmbiguousMergeError struct {
	Candidates []db.ReviewCandidate
}

func (e *AmbiguousMergeError) Error() string {
	return fmt.Sprintf("ambiguous merge between %d candidates", len(e.Candidates))
}

func (e *AmbiguousMergeError) ErrorKind() string { return "ambiguous_merge" }
