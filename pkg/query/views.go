package query

import (
	"time"

	"github.com/japaniel/docdedup/pkg/db"
)

// The view types are the JSON shapes shared by the HTTP API and the export
// format.

type DocumentView struct {
	ID               int64       `json:"id"`
	ContentHash      string      `json:"content_hash"`
	FuzzyFingerprint string      `json:"fuzzy_fingerprint,omitempty"`
	PrimaryText      string      `json:"primary_text"`
	OCRQualityScore  float64     `json:"ocr_quality_score"`
	DocumentType     string      `json:"document_type"`
	Metadata         db.Metadata `json:"metadata"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type SourceView struct {
	ID                 int64     `json:"id"`
	SourceName         string    `json:"source_name"`
	Collection         string    `json:"collection,omitempty"`
	OriginalIdentifier string    `json:"original_identifier"`
	Format             string    `json:"format,omitempty"`
	RawFileHash        string    `json:"raw_file_hash,omitempty"`
	ContentHash        string    `json:"content_hash"`
	OCRQualityScore    float64   `json:"ocr_quality_score"`
	IngestedAt         time.Time `json:"ingested_at"`
}

type GroupView struct {
	ID              int64     `json:"id"`
	DetectionMethod string    `json:"detection_method"`
	SimilarityScore float64   `json:"similarity_score"`
	SourceIDs       []int64   `json:"source_ids"`
	CreatedAt       time.Time `json:"created_at"`
}

type OverlapView struct {
	ID           int64       `json:"id"`
	DocumentAID  int64       `json:"document_a_id"`
	DocumentBID  int64       `json:"document_b_id"`
	OverlapRatio float64     `json:"overlap_ratio"`
	Regions      []db.Region `json:"regions"`
	DetectedAt   time.Time   `json:"detected_at"`
}

type RevisionView struct {
	PreviousText       string    `json:"previous_text"`
	PreviousScore      float64   `json:"previous_score"`
	ReplacedBySourceID int64     `json:"replaced_by_source_id,omitempty"`
	ReplacedAt         time.Time `json:"replaced_at"`
}

type ReviewView struct {
	ID                 int64                `json:"id"`
	SourceName         string               `json:"source_name"`
	OriginalIdentifier string               `json:"original_identifier"`
	ContentHash        string               `json:"content_hash"`
	Candidates         []db.ReviewCandidate `json:"candidates"`
	CreatedAt          time.Time            `json:"created_at"`
}

func documentView(d *db.CanonicalDocument) DocumentView {
	return DocumentView{
		ID:               d.ID,
		ContentHash:      d.ContentHash,
		FuzzyFingerprint: d.FuzzyFingerprint,
		PrimaryText:      d.PrimaryText,
		OCRQualityScore:  d.OCRQualityScore,
		DocumentType:     string(d.DocumentType),
		Metadata:         d.Metadata,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func sourceView(s *db.DocumentSource) SourceView {
	return SourceView{
		ID:                 s.ID,
		SourceName:         s.SourceName,
		Collection:         s.Collection,
		OriginalIdentifier: s.OriginalIdentifier,
		Format:             s.Format,
		RawFileHash:        s.RawFileHash,
		ContentHash:        s.ContentHash,
		OCRQualityScore:    s.OCRQualityScore,
		IngestedAt:         s.IngestedAt,
	}
}

func groupView(g *db.DuplicateGroup) GroupView {
	return GroupView{
		ID:              g.ID,
		DetectionMethod: string(g.DetectionMethod),
		SimilarityScore: g.SimilarityScore,
		SourceIDs:       g.SourceIDs,
		CreatedAt:       g.CreatedAt,
	}
}

func overlapView(o *db.PartialOverlap) OverlapView {
	return OverlapView{
		ID:           o.ID,
		DocumentAID:  o.DocumentAID,
		DocumentBID:  o.DocumentBID,
		OverlapRatio: o.OverlapRatio,
		Regions:      o.Regions,
		DetectedAt:   o.DetectedAt,
	}
}

func revisionView(r *db.TextRevision) RevisionView {
	return RevisionView{
		PreviousText:       r.PreviousText,
		PreviousScore:      r.PreviousScore,
		ReplacedBySourceID: r.ReplacedBySourceID,
		ReplacedAt:         r.ReplacedAt,
	}
}

func reviewView(r *db.Review) ReviewView {
	return ReviewView{
		ID:                 r.ID,
		SourceName:         r.SourceName,
		OriginalIdentifier: r.OriginalIdentifier,
		ContentHash:        r.ContentHash,
		Candidates:         r.Candidates,
		CreatedAt:          r.CreatedAt,
	}
}
