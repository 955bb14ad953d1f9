package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const canonicalColumns = `id, content_hash, fuzzy_fingerprint, primary_text, ocr_quality_score, document_type,
	meta_date, meta_from, meta_to, meta_subject, created_at, updated_at`

const sourceColumns = `id, canonical_document_id, source_name, collection, original_identifier, format,
	raw_file_hash, content_hash, ocr_quality_score, ingested_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCanonical(row rowScanner) (*CanonicalDocument, error) {
	var d CanonicalDocument
	var fingerprint, date, from, to, subject sql.NullString
	var docType string
	if err := row.Scan(&d.ID, &d.ContentHash, &fingerprint, &d.PrimaryText, &d.OCRQualityScore, &docType,
		&date, &from, &to, &subject, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.FuzzyFingerprint = fingerprint.String
	d.DocumentType = DocumentType(docType)
	d.Metadata = Metadata{
		Date:    stringPtr(date),
		From:    stringPtr(from),
		To:      stringPtr(to),
		Subject: stringPtr(subject),
	}
	if strings.TrimSpace(d.ContentHash) == "" {
		return nil, &CorruptRecordError{Table: "canonical_documents", ID: d.ID, Reason: "empty content hash"}
	}
	if math.IsNaN(d.OCRQualityScore) {
		return nil, &CorruptRecordError{Table: "canonical_documents", ID: d.ID, Reason: "quality score is NaN"}
	}
	return &d, nil
}

func scanSource(row rowScanner) (*DocumentSource, error) {
	var s DocumentSource
	if err := row.Scan(&s.ID, &s.CanonicalDocumentID, &s.SourceName, &s.Collection, &s.OriginalIdentifier, &s.Format,
		&s.RawFileHash, &s.ContentHash, &s.OCRQualityScore, &s.IngestedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// GetCanonical loads one canonical document by id.
func GetCanonical(ctx context.Context, ex DBExecutor, id int64) (*CanonicalDocument, error) {
	doc, err := scanCanonical(ex.QueryRowContext(ctx, `SELECT `+canonicalColumns+` FROM canonical_documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("canonical document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FindByContentHash resolves a content hash to its canonical document. The
// hash may belong to the canonical itself or to one of its merged-in
// variants. Returns (nil, nil) when the hash is unknown.
func FindByContentHash(ctx context.Context, ex DBExecutor, contentHash string) (*CanonicalDocument, error) {
	if contentHash == "" {
		return nil, nil
	}
	doc, err := scanCanonical(ex.QueryRowContext(ctx,
		`SELECT `+canonicalColumns+` FROM canonical_documents WHERE content_hash = ?`, contentHash))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var canonicalID int64
	err = ex.QueryRowContext(ctx,
		`SELECT canonical_document_id FROM document_sources WHERE content_hash = ? ORDER BY id LIMIT 1`, contentHash,
	).Scan(&canonicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup variant hash: %w", err)
	}
	doc, err = GetCanonical(ctx, ex, canonicalID)
	if errors.Is(err, ErrNotFound) {
		return nil, &CorruptRecordError{Table: "document_sources", ID: canonicalID, Reason: "source references a missing canonical document"}
	}
	return doc, err
}

// FindSourceByIdentity returns the source stored under (sourceName,
// identifier), or (nil, nil).
func FindSourceByIdentity(ctx context.Context, ex DBExecutor, sourceName, identifier string) (*DocumentSource, error) {
	s, err := scanSource(ex.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM document_sources WHERE source_name = ? AND original_identifier = ?`,
		sourceName, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup source %s/%s: %w", sourceName, identifier, err)
	}
	return s, nil
}

// FindSourceByFileHash returns the earliest source whose raw bytes hashed to
// fileHash, or (nil, nil). An empty hash never matches.
func FindSourceByFileHash(ctx context.Context, ex DBExecutor, fileHash string) (*DocumentSource, error) {
	if fileHash == "" {
		return nil, nil
	}
	s, err := scanSource(ex.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM document_sources WHERE raw_file_hash = ? ORDER BY id LIMIT 1`, fileHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file hash: %w", err)
	}
	return s, nil
}

// ListSources returns every source of a canonical document in ingestion order.
func ListSources(ctx context.Context, ex DBExecutor, canonicalID int64) ([]DocumentSource, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM document_sources WHERE canonical_document_id = ? ORDER BY id`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []DocumentSource
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CandidateIDs returns canonical documents of docType sharing at least one
// fingerprint band with keys, ordered by number of shared bands. excludeID
// is left out of the result (0 excludes nothing).
func CandidateIDs(ctx context.Context, ex DBExecutor, docType DocumentType, keys []string, excludeID int64, limit int) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	conds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*2+3)
	args = append(args, string(docType), excludeID)
	for band, key := range keys {
		conds = append(conds, "(band = ? AND band_key = ?)")
		args = append(args, band, key)
	}
	args = append(args, limit)

	rows, err := ex.QueryContext(ctx,
		`SELECT canonical_document_id, COUNT(*) AS hits FROM fingerprint_bands
		WHERE document_type = ? AND canonical_document_id <> ? AND (`+strings.Join(conds, " OR ")+`)
		GROUP BY canonical_document_id
		ORDER BY hits DESC, canonical_document_id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id, hits int64
		if err := rows.Scan(&id, &hits); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListGroups returns the duplicate groups of canonicalID with their sources.
func ListGroups(ctx context.Context, ex DBExecutor, canonicalID int64) ([]DuplicateGroup, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT g.id, g.canonical_document_id, g.detection_method, g.similarity_score, g.created_at, gs.source_id
		FROM duplicate_groups g JOIN duplicate_group_sources gs ON gs.group_id = g.id
		WHERE g.canonical_document_id = ? ORDER BY g.id, gs.source_id`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		var method string
		var srcID int64
		if err := rows.Scan(&g.ID, &g.CanonicalDocumentID, &method, &g.SimilarityScore, &g.CreatedAt, &srcID); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ID == g.ID {
			out[n-1].SourceIDs = append(out[n-1].SourceIDs, srcID)
			continue
		}
		g.DetectionMethod = DetectionMethod(method)
		g.SourceIDs = []int64{srcID}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListOverlaps returns every partial overlap touching canonicalID.
func ListOverlaps(ctx context.Context, ex DBExecutor, canonicalID int64) ([]PartialOverlap, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT id, document_a_id, document_b_id, overlap_ratio, regions, detected_at FROM partial_overlaps
		WHERE document_a_id = ? OR document_b_id = ? ORDER BY id`, canonicalID, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("list overlaps: %w", err)
	}
	defer rows.Close()

	var out []PartialOverlap
	for rows.Next() {
		var ov PartialOverlap
		var regions string
		if err := rows.Scan(&ov.ID, &ov.DocumentAID, &ov.DocumentBID, &ov.OverlapRatio, &regions, &ov.DetectedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(regions), &ov.Regions); err != nil {
			return nil, &CorruptRecordError{Table: "partial_overlaps", ID: ov.ID, Reason: "regions are not valid JSON"}
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}

// ListLog returns audit entries in append order. runID filters to one run
// when non-empty; limit <= 0 means no limit.
func ListLog(ctx context.Context, ex DBExecutor, runID string, limit int) ([]ProcessingLogEntry, error) {
	query := `SELECT id, logged_at, run_id, operation, record_ids, outcome, detail FROM processing_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	var out []ProcessingLogEntry
	for rows.Next() {
		var e ProcessingLogEntry
		var op, ids string
		if err := rows.Scan(&e.ID, &e.LoggedAt, &e.RunID, &op, &ids, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		e.Operation = Operation(op)
		if err := json.Unmarshal([]byte(ids), &e.RecordIDs); err != nil {
			return nil, &CorruptRecordError{Table: "processing_log", ID: e.ID, Reason: "record ids are not valid JSON"}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListReviews returns queued reviews with the given status ("" for all).
func ListReviews(ctx context.Context, ex DBExecutor, status string) ([]Review, error) {
	query := `SELECT id, source_name, original_identifier, content_hash, descriptor, candidates, status, created_at FROM review_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := ex.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var r Review
		var candidates string
		if err := rows.Scan(&r.ID, &r.SourceName, &r.OriginalIdentifier, &r.ContentHash, &r.Descriptor, &candidates, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(candidates), &r.Candidates); err != nil {
			return nil, &CorruptRecordError{Table: "review_queue", ID: r.ID, Reason: "candidates are not valid JSON"}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTextHistory returns superseded primary texts of a canonical document,
// oldest first.
func ListTextHistory(ctx context.Context, ex DBExecutor, canonicalID int64) ([]TextRevision, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT id, canonical_document_id, previous_text, previous_score, COALESCE(replaced_by_source_id, 0), replaced_at
		FROM canonical_text_history WHERE canonical_document_id = ? ORDER BY id`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("list text history: %w", err)
	}
	defer rows.Close()

	var out []TextRevision
	for rows.Next() {
		var t TextRevision
		if err := rows.Scan(&t.ID, &t.CanonicalID, &t.PreviousText, &t.PreviousScore, &t.ReplacedBySourceID, &t.ReplacedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
