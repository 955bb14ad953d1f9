package db

import (
	"strings"
	"time"
)

// DocumentType buckets documents for fuzzy matching. Candidates are only
// ever compared within one bucket.
type DocumentType string

const (
	TypeEmail    DocumentType = "email"
	TypeLetter   DocumentType = "letter"
	TypeMemo     DocumentType = "memo"
	TypeSubpoena DocumentType = "subpoena"
	TypeOther    DocumentType = "other"
)

// ParseDocumentType maps free-form input onto a known type; anything
// unrecognized is TypeOther.
func ParseDocumentType(s string) DocumentType {
	switch DocumentType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeEmail:
		return TypeEmail
	case TypeLetter:
		return TypeLetter
	case TypeMemo:
		return TypeMemo
	case TypeSubpoena:
		return TypeSubpoena
	default:
		return TypeOther
	}
}

// Metadata is the structured header extracted upstream. Every field is
// optional; nil means the extractor did not find it.
type Metadata struct {
	Date    *string `json:"date,omitempty"`
	From    *string `json:"from,omitempty"`
	To      *string `json:"to,omitempty"`
	Subject *string `json:"subject,omitempty"`
}

// Applicable returns m restricted to the fields documents of type t carry.
// Subpoenas have no subject line; every other type keeps all fields.
func (m Metadata) Applicable(t DocumentType) Metadata {
	if t == TypeSubpoena {
		m.Subject = nil
	}
	return m
}

// CanonicalDocument is the single logical document behind any number of
// physical copies. ContentHash is unique across the store.
type CanonicalDocument struct {
	ID               int64
	ContentHash      string
	FuzzyFingerprint string
	PrimaryText      string
	OCRQualityScore  float64
	DocumentType     DocumentType
	Metadata         Metadata
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DocumentSource is one physical occurrence of a canonical document.
// (SourceName, OriginalIdentifier) identifies it.
type DocumentSource struct {
	ID                  int64
	CanonicalDocumentID int64
	SourceName          string
	Collection          string
	OriginalIdentifier  string
	Format              string
	RawFileHash         string
	ContentHash         string
	OCRQualityScore     float64
	IngestedAt          time.Time
}

// DetectionMethod records how a duplicate was found.
type DetectionMethod string

const (
	DetectionExact DetectionMethod = "exact"
	DetectionFuzzy DetectionMethod = "fuzzy"
)

// DuplicateGroup records sources folded into one canonical document by a
// single merge decision.
type DuplicateGroup struct {
	ID                  int64
	CanonicalDocumentID int64
	DetectionMethod     DetectionMethod
	SimilarityScore     float64
	SourceIDs           []int64
	CreatedAt           time.Time
}

// Region is an inclusive span of shingle indexes within one document.
type Region struct {
	DocumentID int64 `json:"document_id"`
	Start      int   `json:"start"`
	End        int   `json:"end"`
}

// PartialOverlap records shared content between two distinct canonical
// documents. DocumentAID < DocumentBID once stored.
type PartialOverlap struct {
	ID           int64
	DocumentAID  int64
	DocumentBID  int64
	Regions      []Region
	OverlapRatio float64
	DetectedAt   time.Time
}

// Operation names an audited store mutation.
type Operation string

const (
	OpInsertCanonical Operation = "insert_canonical"
	OpAttachSource    Operation = "attach_source"
	OpFuzzyMerge      Operation = "fuzzy_merge"
	OpOverlapDetected Operation = "overlap_detected"
	OpAmbiguousReview Operation = "ambiguous_review"
	OpError           Operation = "error"
)

// Outcomes recorded on log entries besides error kinds.
const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeUpgraded = "upgraded"
	OutcomeKept     = "kept"
)

// ProcessingLogEntry is one row of the append-only audit trail.
type ProcessingLogEntry struct {
	ID        int64
	LoggedAt  time.Time
	RunID     string
	Operation Operation
	RecordIDs []int64
	Outcome   string
	Detail    string
}

// ReviewCandidate is one canonical document an ambiguous input might belong to.
type ReviewCandidate struct {
	CanonicalID int64   `json:"canonical_id"`
	Similarity  float64 `json:"similarity"`
}

// Review is an ambiguous fuzzy match held back for a person to decide.
// Descriptor holds the input document as JSON so it can be re-submitted.
type Review struct {
	ID                 int64
	SourceName         string
	OriginalIdentifier string
	ContentHash        string
	Descriptor         string
	Candidates         []ReviewCandidate
	Status             string
	CreatedAt          time.Time
}

// TextRevision is a superseded primary text, kept when a higher-quality copy
// replaced it.
type TextRevision struct {
	ID                 int64
	CanonicalID        int64
	PreviousText       string
	PreviousScore      float64
	ReplacedBySourceID int64
	ReplacedAt         time.Time
}
