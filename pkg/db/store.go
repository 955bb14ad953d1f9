package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// DBExecutor is an interface that allows methods to accept either *sql.DB or *sql.Tx
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Audit carries the context stamped onto the processing_log entry a store
// mutation writes.
type Audit struct {
	RunID string
	Note  string
}

func (a Audit) detail(format string, args ...any) string {
	d := fmt.Sprintf(format, args...)
	if a.Note != "" {
		d += " " + a.Note
	}
	return d
}

// atomically runs fn as one unit: in a new transaction when ex is a
// connection, or under a savepoint when ex is already a transaction.
func atomically(ctx context.Context, ex DBExecutor, fn func(DBExecutor) error) error {
	if b, ok := ex.(txBeginner); ok {
		tx, err := b.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback() // ignored if committed
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	}
	return WithSavepoint(ctx, ex, "store_op", fn)
}

// WithSavepoint runs fn inside a named savepoint on ex, which must be a
// transaction. When fn fails only its own writes are undone and the
// enclosing transaction stays usable.
func WithSavepoint(ctx context.Context, ex DBExecutor, name string, fn func(DBExecutor) error) error {
	if _, err := ex.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(ex); err != nil {
		if _, rbErr := ex.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to %s: %w", name, rbErr))
		}
		_, _ = ex.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	if _, err := ex.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// InsertCanonical creates a canonical document together with its first
// source and fuzzy band index rows. A content hash that already has a
// canonical document yields *ConflictError and nothing is written. A
// non-zero doc.ID is kept (used by import).
func InsertCanonical(ctx context.Context, ex DBExecutor, doc *CanonicalDocument, src *DocumentSource, bandKeys []string, audit Audit) (int64, error) {
	if doc == nil || src == nil {
		return 0, fmt.Errorf("document and source must be non-nil")
	}
	if strings.TrimSpace(doc.ContentHash) == "" {
		return 0, fmt.Errorf("content hash must be non-empty")
	}
	if doc.DocumentType == "" {
		doc.DocumentType = TypeOther
	}

	var id int64
	err := atomically(ctx, ex, func(tx DBExecutor) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM canonical_documents WHERE content_hash = ?`, doc.ContentHash).Scan(&existing)
		if err == nil {
			return &ConflictError{ContentHash: doc.ContentHash, ExistingID: existing}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check content hash: %w", err)
		}

		now := time.Now().UTC()
		created := doc.CreatedAt
		if created.IsZero() {
			created = now
		}
		updated := doc.UpdatedAt
		if updated.IsZero() {
			updated = created
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_documents (id, content_hash, fuzzy_fingerprint, primary_text, ocr_quality_score, document_type,
				meta_date, meta_from, meta_to, meta_subject, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullableInt64(doc.ID), doc.ContentHash, nullableString(doc.FuzzyFingerprint), doc.PrimaryText, doc.OCRQualityScore,
			string(doc.DocumentType), nullablePtr(doc.Metadata.Date), nullablePtr(doc.Metadata.From),
			nullablePtr(doc.Metadata.To), nullablePtr(doc.Metadata.Subject), created, updated)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return &ConflictError{ContentHash: doc.ContentHash, ExistingID: doc.ID}
			}
			return fmt.Errorf("insert canonical document: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("canonical document id: %w", err)
		}

		srcID, inserted, err := insertSource(ctx, tx, id, src, false)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("source %s/%s already recorded", src.SourceName, src.OriginalIdentifier)
		}
		if err := insertBands(ctx, tx, id, doc.DocumentType, bandKeys); err != nil {
			return err
		}
		doc.CreatedAt, doc.UpdatedAt = created, updated
		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpInsertCanonical,
			RecordIDs: []int64{id, srcID},
			Outcome:   OutcomeOK,
			Detail:    audit.detail("content_hash=%s source=%s/%s", doc.ContentHash, src.SourceName, src.OriginalIdentifier),
		})
	})
	if err != nil {
		return 0, err
	}
	doc.ID = id
	return id, nil
}

// AttachSource records src as another physical copy of a canonical document.
// Re-attaching a (source_name, original_identifier) pair that is already
// stored is a no-op that still writes an attach_source entry. It reports
// whether a new source row was created.
func AttachSource(ctx context.Context, ex DBExecutor, canonicalID int64, src *DocumentSource, audit Audit) (bool, error) {
	if canonicalID <= 0 {
		return false, fmt.Errorf("canonicalID must be positive")
	}
	if src == nil {
		return false, fmt.Errorf("source must be non-nil")
	}

	var attached bool
	err := atomically(ctx, ex, func(tx DBExecutor) error {
		if _, err := canonicalState(ctx, tx, canonicalID); err != nil {
			return err
		}
		srcID, inserted, err := insertSource(ctx, tx, canonicalID, src, true)
		if err != nil {
			return err
		}
		attached = inserted

		outcome := OutcomeOK
		detail := audit.detail("source=%s/%s", src.SourceName, src.OriginalIdentifier)
		if !inserted {
			outcome = OutcomeNoop
			detail = audit.detail("source=%s/%s already recorded under canonical %d", src.SourceName, src.OriginalIdentifier, src.CanonicalDocumentID)
		}
		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpAttachSource,
			RecordIDs: []int64{canonicalID, srcID},
			Outcome:   outcome,
			Detail:    detail,
		})
	})
	return attached, err
}

// FuzzyMerge folds a near-duplicate copy into an existing canonical document.
type FuzzyMerge struct {
	CanonicalID int64
	Similarity  float64
	Source      DocumentSource
	// Text and Fingerprint describe the merged-in copy. They replace the
	// canonical's primary text only when Source.OCRQualityScore is strictly
	// higher than the current score.
	Text        string
	Fingerprint string
	BandKeys    []string
	// Metadata fills fields the canonical document is missing.
	Metadata Metadata
}

// MergeResult describes what RecordFuzzyMerge changed.
type MergeResult struct {
	GroupID  int64
	SourceID int64
	Upgraded bool
	// Noop is set when the source was already recorded; nothing changed.
	Noop bool
}

// QualityImproves is the canonical-quality arbitration rule: incoming text
// replaces the current text only on a strictly higher score.
func QualityImproves(current, incoming float64) bool {
	return incoming > current
}

// RecordFuzzyMerge attaches m.Source to the canonical document, records a
// fuzzy DuplicateGroup, indexes the copy's fingerprint bands and applies the
// quality arbitration rule. Quality never regresses.
func RecordFuzzyMerge(ctx context.Context, ex DBExecutor, m *FuzzyMerge, audit Audit) (MergeResult, error) {
	var out MergeResult
	if m == nil || m.CanonicalID <= 0 {
		return out, fmt.Errorf("merge must name a canonical document")
	}
	if m.Similarity < 0 || m.Similarity > 1 || math.IsNaN(m.Similarity) {
		return out, fmt.Errorf("similarity %v out of range", m.Similarity)
	}

	err := atomically(ctx, ex, func(tx DBExecutor) error {
		state, err := canonicalState(ctx, tx, m.CanonicalID)
		if err != nil {
			return err
		}

		srcID, inserted, err := insertSource(ctx, tx, m.CanonicalID, &m.Source, true)
		if err != nil {
			return err
		}
		out.SourceID = srcID
		if !inserted {
			out.Noop = true
			return AppendLog(ctx, tx, &ProcessingLogEntry{
				RunID:     audit.RunID,
				Operation: OpFuzzyMerge,
				RecordIDs: []int64{m.CanonicalID, srcID},
				Outcome:   OutcomeNoop,
				Detail:    audit.detail("source=%s/%s already recorded", m.Source.SourceName, m.Source.OriginalIdentifier),
			})
		}

		now := time.Now().UTC()
		if out.GroupID, err = insertGroup(ctx, tx, m.CanonicalID, DetectionFuzzy, m.Similarity, []int64{srcID}, now); err != nil {
			return err
		}
		if err := insertBands(ctx, tx, m.CanonicalID, state.docType, m.BandKeys); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE canonical_documents SET
				meta_date = COALESCE(meta_date, ?),
				meta_from = COALESCE(meta_from, ?),
				meta_to = COALESCE(meta_to, ?),
				meta_subject = COALESCE(meta_subject, ?)
			WHERE id = ?`,
			nullablePtr(m.Metadata.Date), nullablePtr(m.Metadata.From), nullablePtr(m.Metadata.To),
			nullablePtr(m.Metadata.Subject), m.CanonicalID); err != nil {
			return fmt.Errorf("fill metadata: %w", err)
		}

		outcome := OutcomeKept
		if QualityImproves(state.score, m.Source.OCRQualityScore) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO canonical_text_history (canonical_document_id, previous_text, previous_score, replaced_by_source_id, replaced_at)
				VALUES (?, ?, ?, ?, ?)`,
				m.CanonicalID, state.text, state.score, srcID, now); err != nil {
				return fmt.Errorf("record text history: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE canonical_documents
				SET primary_text = ?, ocr_quality_score = ?, fuzzy_fingerprint = COALESCE(?, fuzzy_fingerprint), updated_at = ?
				WHERE id = ? AND ocr_quality_score < ?`,
				m.Text, m.Source.OCRQualityScore, nullableString(m.Fingerprint), now, m.CanonicalID, m.Source.OCRQualityScore)
			if err != nil {
				return fmt.Errorf("upgrade primary text: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				out.Upgraded = true
				outcome = OutcomeUpgraded
			}
		}

		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpFuzzyMerge,
			RecordIDs: []int64{m.CanonicalID, srcID, out.GroupID},
			Outcome:   outcome,
			Detail: audit.detail("similarity=%.4f quality=%.4f->%.4f source=%s/%s",
				m.Similarity, state.score, m.Source.OCRQualityScore, m.Source.SourceName, m.Source.OriginalIdentifier),
		})
	})
	if err != nil {
		return MergeResult{}, err
	}
	return out, nil
}

// RecordDuplicateGroup stores a group whose sources are already attached
// to g.CanonicalDocumentID. It is used to carry merge history across an
// export and import; live merges go through RecordFuzzyMerge.
func RecordDuplicateGroup(ctx context.Context, ex DBExecutor, g *DuplicateGroup, audit Audit) error {
	if g == nil || g.CanonicalDocumentID <= 0 {
		return fmt.Errorf("group must name a canonical document")
	}
	if g.DetectionMethod != DetectionExact && g.DetectionMethod != DetectionFuzzy {
		return fmt.Errorf("unknown detection method %q", g.DetectionMethod)
	}
	if len(g.SourceIDs) == 0 {
		return fmt.Errorf("group must contain at least one source")
	}
	return atomically(ctx, ex, func(tx DBExecutor) error {
		if _, err := canonicalState(ctx, tx, g.CanonicalDocumentID); err != nil {
			return err
		}
		for _, id := range g.SourceIDs {
			var owner int64
			err := tx.QueryRowContext(ctx, `SELECT canonical_document_id FROM document_sources WHERE id = ?`, id).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != g.CanonicalDocumentID) {
				return fmt.Errorf("source %d is not attached to canonical %d: %w", id, g.CanonicalDocumentID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("check group source: %w", err)
			}
		}
		created := g.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		id, err := insertGroup(ctx, tx, g.CanonicalDocumentID, g.DetectionMethod, g.SimilarityScore, g.SourceIDs, created)
		if err != nil {
			return err
		}
		g.ID, g.CreatedAt = id, created
		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpFuzzyMerge,
			RecordIDs: append([]int64{g.CanonicalDocumentID, id}, g.SourceIDs...),
			Outcome:   OutcomeKept,
			Detail:    audit.detail("method=%s similarity=%.4f", g.DetectionMethod, g.SimilarityScore),
		})
	})
}

// RecordTextRevision stores a superseded primary text of an existing
// canonical document. Like RecordDuplicateGroup it carries history across an
// export and import; live upgrades are written by RecordFuzzyMerge.
func RecordTextRevision(ctx context.Context, ex DBExecutor, r *TextRevision, audit Audit) error {
	if r == nil || r.CanonicalID <= 0 {
		return fmt.Errorf("text revision must name a canonical document")
	}
	return atomically(ctx, ex, func(tx DBExecutor) error {
		if _, err := canonicalState(ctx, tx, r.CanonicalID); err != nil {
			return err
		}
		replaced := r.ReplacedAt
		if replaced.IsZero() {
			replaced = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_text_history (canonical_document_id, previous_text, previous_score, replaced_by_source_id, replaced_at)
			VALUES (?, ?, ?, ?, ?)`,
			r.CanonicalID, r.PreviousText, r.PreviousScore, nullableInt64(r.ReplacedBySourceID), replaced)
		if err != nil {
			return fmt.Errorf("record text history: %w", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("text history id: %w", err)
		}
		r.ReplacedAt = replaced
		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpFuzzyMerge,
			RecordIDs: []int64{r.CanonicalID, r.ID},
			Outcome:   OutcomeUpgraded,
			Detail:    audit.detail("text revision score=%.4f", r.PreviousScore),
		})
	})
}

func insertGroup(ctx context.Context, ex DBExecutor, canonicalID int64, method DetectionMethod, similarity float64, sourceIDs []int64, created time.Time) (int64, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO duplicate_groups (canonical_document_id, detection_method, similarity_score, created_at) VALUES (?, ?, ?, ?)`,
		canonicalID, string(method), similarity, created)
	if err != nil {
		return 0, fmt.Errorf("insert duplicate group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("duplicate group id: %w", err)
	}
	for _, srcID := range sourceIDs {
		if _, err := ex.ExecContext(ctx, `INSERT INTO duplicate_group_sources (group_id, source_id) VALUES (?, ?)`, id, srcID); err != nil {
			return 0, fmt.Errorf("link duplicate group source: %w", err)
		}
	}
	return id, nil
}

// RecordOverlap stores a partial overlap between two distinct canonical
// documents. The pair is stored once with the lower id first; recording the
// same pair again refreshes ratio and regions.
func RecordOverlap(ctx context.Context, ex DBExecutor, ov *PartialOverlap, audit Audit) error {
	if ov == nil {
		return fmt.Errorf("overlap must be non-nil")
	}
	if ov.DocumentAID == ov.DocumentBID {
		return fmt.Errorf("overlap must reference two distinct documents, got %d twice", ov.DocumentAID)
	}
	if ov.DocumentAID > ov.DocumentBID {
		ov.DocumentAID, ov.DocumentBID = ov.DocumentBID, ov.DocumentAID
	}
	if math.IsNaN(ov.OverlapRatio) || ov.OverlapRatio < 0 || ov.OverlapRatio >= 1 {
		return fmt.Errorf("overlap ratio %v out of range [0,1)", ov.OverlapRatio)
	}
	regions := ov.Regions
	if regions == nil {
		regions = []Region{}
	}
	regionsJSON, err := json.Marshal(regions)
	if err != nil {
		return fmt.Errorf("encode overlap regions: %w", err)
	}
	if ov.DetectedAt.IsZero() {
		ov.DetectedAt = time.Now().UTC()
	}

	return atomically(ctx, ex, func(tx DBExecutor) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO partial_overlaps (document_a_id, document_b_id, overlap_ratio, regions, detected_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(document_a_id, document_b_id) DO UPDATE SET
				overlap_ratio = excluded.overlap_ratio,
				regions = excluded.regions,
				detected_at = excluded.detected_at
			RETURNING id`,
			ov.DocumentAID, ov.DocumentBID, ov.OverlapRatio, string(regionsJSON), ov.DetectedAt).Scan(&ov.ID)
		if err != nil {
			return fmt.Errorf("upsert overlap: %w", err)
		}
		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpOverlapDetected,
			RecordIDs: []int64{ov.DocumentAID, ov.DocumentBID, ov.ID},
			Outcome:   OutcomeOK,
			Detail:    audit.detail("ratio=%.4f regions=%d", ov.OverlapRatio, len(regions)),
		})
	})
}

// AppendReview queues an ambiguous document for manual review. A document
// already queued under the same source identity is not queued twice.
func AppendReview(ctx context.Context, ex DBExecutor, r *Review, audit Audit) (bool, error) {
	if r == nil || strings.TrimSpace(r.SourceName) == "" || strings.TrimSpace(r.OriginalIdentifier) == "" {
		return false, fmt.Errorf("review must carry a source identity")
	}
	candidates, err := json.Marshal(r.Candidates)
	if err != nil {
		return false, fmt.Errorf("encode review candidates: %w", err)
	}
	if r.Status == "" {
		r.Status = "pending"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var queued bool
	err = atomically(ctx, ex, func(tx DBExecutor) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO review_queue (source_name, original_identifier, content_hash, descriptor, candidates, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_name, original_identifier) DO NOTHING`,
			r.SourceName, r.OriginalIdentifier, r.ContentHash, r.Descriptor, string(candidates), r.Status, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		n, _ := res.RowsAffected()
		queued = n == 1
		outcome := OutcomeNoop
		if queued {
			outcome = OutcomeOK
			if r.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("review id: %w", err)
			}
		} else if err := tx.QueryRowContext(ctx,
			`SELECT id FROM review_queue WHERE source_name = ? AND original_identifier = ?`,
			r.SourceName, r.OriginalIdentifier).Scan(&r.ID); err != nil {
			return fmt.Errorf("lookup review: %w", err)
		}

		ids := []int64{r.ID}
		for _, c := range r.Candidates {
			ids = append(ids, c.CanonicalID)
		}
		return AppendLog(ctx, tx, &ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: OpAmbiguousReview,
			RecordIDs: ids,
			Outcome:   outcome,
			Detail:    audit.detail("source=%s/%s candidates=%d", r.SourceName, r.OriginalIdentifier, len(r.Candidates)),
		})
	})
	return queued, err
}

// AppendLog writes one audit entry. Callers run it inside the transaction of
// the mutation it describes, so a failed append rolls the mutation back.
func AppendLog(ctx context.Context, ex DBExecutor, e *ProcessingLogEntry) error {
	if e == nil || e.Operation == "" {
		return fmt.Errorf("log entry must name an operation")
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
	ids := e.RecordIDs
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode record ids: %w", err)
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO processing_log (logged_at, run_id, operation, record_ids, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.LoggedAt, e.RunID, string(e.Operation), string(idsJSON), e.Outcome, e.Detail)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

type canonicalSnapshot struct {
	score   float64
	text    string
	docType DocumentType
}

func canonicalState(ctx context.Context, ex DBExecutor, id int64) (canonicalSnapshot, error) {
	var s canonicalSnapshot
	var docType string
	err := ex.QueryRowContext(ctx,
		`SELECT ocr_quality_score, primary_text, document_type FROM canonical_documents WHERE id = ?`, id,
	).Scan(&s.score, &s.text, &docType)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("canonical document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("load canonical document %d: %w", id, err)
	}
	s.docType = DocumentType(docType)
	return s, nil
}

// insertSource inserts src under canonicalID. With ignoreExisting an already
// stored source identity is returned instead of failing; src is then filled
// from the stored row.
func insertSource(ctx context.Context, ex DBExecutor, canonicalID int64, src *DocumentSource, ignoreExisting bool) (int64, bool, error) {
	if strings.TrimSpace(src.SourceName) == "" {
		return 0, false, fmt.Errorf("source name must be non-empty")
	}
	if strings.TrimSpace(src.OriginalIdentifier) == "" {
		return 0, false, fmt.Errorf("original identifier must be non-empty")
	}
	if src.IngestedAt.IsZero() {
		src.IngestedAt = time.Now().UTC()
	}

	query := `INSERT INTO document_sources (canonical_document_id, source_name, collection, original_identifier, format,
			raw_file_hash, content_hash, ocr_quality_score, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreExisting {
		query += ` ON CONFLICT(source_name, original_identifier) DO NOTHING`
	}
	res, err := ex.ExecContext(ctx, query,
		canonicalID, src.SourceName, src.Collection, src.OriginalIdentifier, src.Format,
		src.RawFileHash, src.ContentHash, src.OCRQualityScore, src.IngestedAt)
	if err != nil {
		return 0, false, fmt.Errorf("insert source %s/%s: %w", src.SourceName, src.OriginalIdentifier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := FindSourceByIdentity(ctx, ex, src.SourceName, src.OriginalIdentifier)
		if err != nil {
			return 0, false, err
		}
		if existing == nil {
			return 0, false, fmt.Errorf("source %s/%s neither inserted nor found", src.SourceName, src.OriginalIdentifier)
		}
		*src = *existing
		return existing.ID, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("source id: %w", err)
	}
	src.ID = id
	src.CanonicalDocumentID = canonicalID
	return id, true, nil
}

func insertBands(ctx context.Context, ex DBExecutor, canonicalID int64, docType DocumentType, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*4)
	for band, key := range keys {
		placeholders = append(placeholders, "(?, ?, ?, ?)")
		args = append(args, canonicalID, string(docType), band, key)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO fingerprint_bands (canonical_document_id, document_type, band, band_key) VALUES `+
			strings.Join(placeholders, ", "), args...)
	if err != nil {
		return fmt.Errorf("insert fingerprint bands: %w", err)
	}
	return nil
}

// nullableInt64 returns nil for 0 (meaning unset) else the value.
func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
