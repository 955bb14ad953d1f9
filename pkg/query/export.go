package query

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/textnorm"
)

// Export format identifiers. A reader must reject anything else. Version 2
// added text history and the review queue; version 1 exports still import.
const (
	ExportFormat        = "docdedup.canonical-set"
	ExportFormatVersion = 2
)

// Envelope is the export document.
type Envelope struct {
	Format        string           `json:"format"`
	FormatVersion int              `json:"format_version"`
	ExportID      string           `json:"export_id"`
	ExportedAt    time.Time        `json:"exported_at"`
	Stats         Stats            `json:"stats"`
	Documents     []ExportDocument `json:"documents"`
	Overlaps      []OverlapView    `json:"overlaps"`
	Reviews       []ExportReview   `json:"reviews"`
}

// exportHeader is Envelope without the streamed arrays.
type exportHeader struct {
	Format        string    `json:"format"`
	FormatVersion int       `json:"format_version"`
	ExportID      string    `json:"export_id"`
	ExportedAt    time.Time `json:"exported_at"`
	Stats         Stats     `json:"stats"`
}

// ExportDocument is one canonical document with its sources. The
// representative source is the earliest one recorded.
type ExportDocument struct {
	DocumentView
	RepresentativeSourceID int64          `json:"representative_source_id"`
	Sources                []SourceView   `json:"sources"`
	Groups                 []GroupView    `json:"duplicate_groups,omitempty"`
	History                []RevisionView `json:"text_history,omitempty"`
}

// ExportReview is a review queue entry in any status, with the descriptor
// needed to re-submit it.
type ExportReview struct {
	ReviewView
	Status     string `json:"status"`
	Descriptor string `json:"descriptor"`
}

// ExportStats describes a finished export.
type ExportStats struct {
	ExportID  string
	Documents int
	Sources   int
	Overlaps  int
	Reviews   int
}

// FormatError rejects an import whose envelope is not a supported export.
type FormatError struct {
	Format  string
	Version int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q version %d", e.Format, e.Version)
}

func (e *FormatError) ErrorKind() string { return "parse_error" }

type overlapRow struct {
	ID           int64     `db:"id"`
	DocumentAID  int64     `db:"document_a_id"`
	DocumentBID  int64     `db:"document_b_id"`
	OverlapRatio float64   `db:"overlap_ratio"`
	Regions      string    `db:"regions"`
	DetectedAt   time.Time `db:"detected_at"`
}

// Export writes every canonical document, ordered by id, to w. All reads
// run in one read-only transaction so the output is a consistent snapshot
// even while an ingestion is committing.
func (s *Service) Export(ctx context.Context, w io.Writer) (ExportStats, error) {
	out := ExportStats{ExportID: uuid.NewString()}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return out, fmt.Errorf("begin export snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	st, err := stats(ctx, tx)
	if err != nil {
		return out, err
	}
	var ids []int64
	if err := tx.SelectContext(ctx, &ids, `SELECT id FROM canonical_documents ORDER BY id`); err != nil {
		return out, fmt.Errorf("list canonical ids: %w", err)
	}

	bw := bufio.NewWriter(w)
	head, err := json.Marshal(exportHeader{
		Format:        ExportFormat,
		FormatVersion: ExportFormatVersion,
		ExportID:      out.ExportID,
		ExportedAt:    time.Now().UTC(),
		Stats:         st,
	})
	if err != nil {
		return out, err
	}
	// Documents are streamed, so the header object is left open.
	if _, err := bw.Write(head[:len(head)-1]); err != nil {
		return out, err
	}
	if _, err := bw.WriteString(`,"documents":[`); err != nil {
		return out, err
	}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		detail, err := document(ctx, tx, id)
		if err != nil {
			return out, err
		}
		doc := ExportDocument{DocumentView: detail.Document, Sources: detail.Sources, Groups: detail.Groups, History: detail.History}
		if len(doc.Sources) > 0 {
			doc.RepresentativeSourceID = doc.Sources[0].ID
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return out, fmt.Errorf("encode document %d: %w", id, err)
		}
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return out, err
			}
		}
		if _, err := bw.Write(body); err != nil {
			return out, err
		}
		out.Documents++
		out.Sources += len(doc.Sources)
	}

	var rows []overlapRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT id, document_a_id, document_b_id, overlap_ratio, regions, detected_at FROM partial_overlaps ORDER BY id`); err != nil {
		return out, fmt.Errorf("list overlaps: %w", err)
	}
	overlaps := make([]OverlapView, 0, len(rows))
	for _, r := range rows {
		v := OverlapView{ID: r.ID, DocumentAID: r.DocumentAID, DocumentBID: r.DocumentBID, OverlapRatio: r.OverlapRatio, DetectedAt: r.DetectedAt}
		if err := json.Unmarshal([]byte(r.Regions), &v.Regions); err != nil {
			return out, &db.CorruptRecordError{Table: "partial_overlaps", ID: r.ID, Reason: "regions are not valid JSON"}
		}
		overlaps = append(overlaps, v)
	}
	body, err := json.Marshal(overlaps)
	if err != nil {
		return out, err
	}

	queued, err := db.ListReviews(ctx, tx, "")
	if err != nil {
		return out, err
	}
	reviews := make([]ExportReview, 0, len(queued))
	for i := range queued {
		reviews = append(reviews, ExportReview{ReviewView: reviewView(&queued[i]), Status: queued[i].Status, Descriptor: queued[i].Descriptor})
	}
	revBody, err := json.Marshal(reviews)
	if err != nil {
		return out, err
	}
	if _, err := fmt.Fprintf(bw, `],"overlaps":%s,"reviews":%s}`+"\n", body, revBody); err != nil {
		return out, err
	}
	out.Overlaps = len(overlaps)
	out.Reviews = len(reviews)
	return out, bw.Flush()
}

// ImportResult counts what an import changed.
type ImportResult struct {
	Documents int `json:"documents"`
	// Renumbered documents kept their content but not their id, which was
	// already taken by a different document.
	Renumbered int `json:"renumbered"`
	Skipped    int `json:"skipped"`
	Sources    int `json:"sources"`
	Groups     int `json:"groups"`
	Overlaps   int `json:"overlaps"`
	Revisions  int `json:"text_revisions"`
	Reviews    int `json:"reviews"`
}

// Import loads an export produced by Export into the store in a single
// transaction. Document ids are kept when free. A document whose content
// is already stored is not duplicated; its sources are attached to the
// stored copy instead. Source identities already present are skipped.
func (s *Service) Import(ctx context.Context, r io.Reader, runID string) (ImportResult, error) {
	var res ImportResult
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return res, fmt.Errorf("decode export: %w", err)
	}
	if env.Format != ExportFormat || env.FormatVersion < 1 || env.FormatVersion > ExportFormatVersion {
		return res, &FormatError{Format: env.Format, Version: env.FormatVersion}
	}

	h := s.Hasher
	if h == nil {
		h = hasher.New(hasher.Options{})
	}
	audit := db.Audit{RunID: runID, Note: "import=" + env.ExportID}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Documents whose id is taken go last so that they cannot take the id
	// of a later document in the export.
	idMap := make(map[int64]int64, len(env.Documents))
	var renumber []*ExportDocument
	for i := range env.Documents {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d := &env.Documents[i]
		taken, err := idTaken(ctx, tx, d)
		if err != nil {
			return res, err
		}
		if taken {
			renumber = append(renumber, d)
			continue
		}
		if err := importDocument(ctx, tx, h, d, true, idMap, &res, audit); err != nil {
			return res, fmt.Errorf("import document %d: %w", d.ID, err)
		}
	}
	for _, d := range renumber {
		if err := importDocument(ctx, tx, h, d, false, idMap, &res, audit); err != nil {
			return res, fmt.Errorf("import document %d: %w", d.ID, err)
		}
	}

	for _, ov := range env.Overlaps {
		a, okA := idMap[ov.DocumentAID]
		b, okB := idMap[ov.DocumentBID]
		if !okA || !okB || a == b {
			continue
		}
		regions := make([]db.Region, 0, len(ov.Regions))
		for _, rg := range ov.Regions {
			if mapped, ok := idMap[rg.DocumentID]; ok {
				rg.DocumentID = mapped
			}
			regions = append(regions, rg)
		}
		rec := &db.PartialOverlap{DocumentAID: a, DocumentBID: b, OverlapRatio: ov.OverlapRatio, Regions: regions, DetectedAt: ov.DetectedAt}
		if err := db.RecordOverlap(ctx, tx, rec, audit); err != nil {
			return res, fmt.Errorf("import overlap %d: %w", ov.ID, err)
		}
		res.Overlaps++
	}

	for i := range env.Reviews {
		rv := &env.Reviews[i]
		candidates := make([]db.ReviewCandidate, 0, len(rv.Candidates))
		for _, c := range rv.Candidates {
			if mapped, ok := idMap[c.CanonicalID]; ok {
				candidates = append(candidates, db.ReviewCandidate{CanonicalID: mapped, Similarity: c.Similarity})
			}
		}
		queued, err := db.AppendReview(ctx, tx, &db.Review{
			SourceName:         rv.SourceName,
			OriginalIdentifier: rv.OriginalIdentifier,
			ContentHash:        rv.ContentHash,
			Descriptor:         rv.Descriptor,
			Candidates:         candidates,
			Status:             rv.Status,
			CreatedAt:          rv.CreatedAt,
		}, audit)
		if err != nil {
			return res, fmt.Errorf("import review %d: %w", rv.ID, err)
		}
		if queued {
			res.Reviews++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit import: %w", err)
	}
	return res, nil
}

// idTaken reports whether d's id belongs to a different stored document.
func idTaken(ctx context.Context, tx *sqlx.Tx, d *ExportDocument) (bool, error) {
	var hash string
	err := tx.GetContext(ctx, &hash, `SELECT content_hash FROM canonical_documents WHERE id = ?`, d.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check id %d: %w", d.ID, err)
	}
	return hash != d.ContentHash, nil
}

func importDocument(ctx context.Context, tx *sqlx.Tx, h *hasher.Hasher, d *ExportDocument, keepID bool, idMap map[int64]int64, res *ImportResult, audit db.Audit) error {
	if len(d.Sources) == 0 {
		return fmt.Errorf("document has no sources")
	}
	sources := make([]db.DocumentSource, len(d.Sources))
	for i, sv := range d.Sources {
		sources[i] = db.DocumentSource{
			SourceName:         sv.SourceName,
			Collection:         sv.Collection,
			OriginalIdentifier: sv.OriginalIdentifier,
			Format:             sv.Format,
			RawFileHash:        sv.RawFileHash,
			ContentHash:        sv.ContentHash,
			OCRQualityScore:    sv.OCRQualityScore,
			IngestedAt:         sv.IngestedAt,
		}
	}
	srcMap := make(map[int64]int64, len(sources))
	var imported []bool

	existing, err := db.FindByContentHash(ctx, tx, d.ContentHash)
	if err != nil {
		return err
	}
	var target int64
	if existing != nil {
		target = existing.ID
		res.Skipped++
	} else {
		id := d.ID
		if !keepID {
			id = 0
		}

		fp, err := hasher.ParseFingerprint(d.FuzzyFingerprint)
		if err != nil || len(fp) == 0 {
			fp = h.Fingerprint(textnorm.Words(d.PrimaryText))
		}
		canon := &db.CanonicalDocument{
			ID:               id,
			ContentHash:      d.ContentHash,
			FuzzyFingerprint: fp.String(),
			PrimaryText:      d.PrimaryText,
			OCRQualityScore:  d.OCRQualityScore,
			DocumentType:     db.ParseDocumentType(d.DocumentType),
			Metadata:         d.Metadata,
			CreatedAt:        d.CreatedAt,
			UpdatedAt:        d.UpdatedAt,
		}
		// The first source goes in with the document unless its identity is
		// already stored elsewhere.
		first := -1
		for i := range sources {
			found, err := db.FindSourceByIdentity(ctx, tx, sources[i].SourceName, sources[i].OriginalIdentifier)
			if err != nil {
				return err
			}
			if found == nil {
				first = i
				break
			}
		}
		if first < 0 {
			res.Skipped++
			return nil
		}
		if target, err = db.InsertCanonical(ctx, tx, canon, &sources[first], h.BandKeys(fp), audit); err != nil {
			return err
		}
		srcMap[d.Sources[first].ID] = sources[first].ID
		res.Documents++
		if !keepID {
			res.Renumbered++
		}
		res.Sources++
		imported = make([]bool, len(sources))
		imported[first] = true
	}
	idMap[d.ID] = target

	for i := range sources {
		if imported != nil && imported[i] {
			continue
		}
		attached, err := db.AttachSource(ctx, tx, target, &sources[i], audit)
		if err != nil {
			return err
		}
		if attached {
			res.Sources++
		}
		if sources[i].CanonicalDocumentID == target {
			srcMap[d.Sources[i].ID] = sources[i].ID
		}
	}

	if existing != nil {
		return nil
	}
	for _, g := range d.Groups {
		ids := make([]int64, 0, len(g.SourceIDs))
		for _, old := range g.SourceIDs {
			if n, ok := srcMap[old]; ok {
				ids = append(ids, n)
			}
		}
		if len(ids) != len(g.SourceIDs) {
			continue
		}
		grp := &db.DuplicateGroup{
			CanonicalDocumentID: target,
			DetectionMethod:     db.DetectionMethod(g.DetectionMethod),
			SimilarityScore:     g.SimilarityScore,
			SourceIDs:           ids,
			CreatedAt:           g.CreatedAt,
		}
		if err := db.RecordDuplicateGroup(ctx, tx, grp, audit); err != nil {
			return err
		}
		res.Groups++
	}
	for _, rv := range d.History {
		rev := &db.TextRevision{
			CanonicalID:   target,
			PreviousText:  rv.PreviousText,
			PreviousScore: rv.PreviousScore,
			ReplacedAt:    rv.ReplacedAt,
		}
		if rv.ReplacedBySourceID != 0 {
			rev.ReplacedBySourceID = srcMap[rv.ReplacedBySourceID]
		}
		if err := db.RecordTextRevision(ctx, tx, rev, audit); err != nil {
			return err
		}
		res.Revisions++
	}
	return nil
}
