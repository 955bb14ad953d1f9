// Package query is the read side of the canonical store: statistics,
// search, per-document detail and the versioned export/import format.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/hasher"
)

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 1000
)

// Service answers read queries against one store.
type Service struct {
	db *sqlx.DB
	// Hasher rebuilds fingerprint bands on import. It must match the
	// hasher the ingestion pipeline uses.
	Hasher *hasher.Hasher
}

// New wraps conn. The connection stays owned by the caller.
func New(conn *sql.DB) *Service {
	return &Service{db: sqlx.NewDb(conn, "sqlite3"), Hasher: hasher.New(hasher.Options{})}
}

// Stats summarizes the store.
type Stats struct {
	TotalDocuments  int `db:"total_documents" json:"total_documents"`
	TotalSources    int `db:"total_sources" json:"total_sources"`
	DuplicateGroups int `db:"duplicate_groups" json:"duplicate_groups"`
	FuzzyMerges     int `db:"fuzzy_merges" json:"fuzzy_merges"`
	Overlaps        int `db:"overlaps" json:"overlaps"`
	PendingReviews  int `db:"pending_reviews" json:"pending_reviews"`
	// AvgSourcesPerDocument and DuplicateRate are derived; DuplicateRate is
	// the share of sources that did not create a canonical document.
	AvgSourcesPerDocument float64 `db:"-" json:"avg_sources_per_document"`
	DuplicateRate         float64 `db:"-" json:"duplicate_rate"`
}

const statsQuery = `SELECT
	(SELECT COUNT(*) FROM canonical_documents) AS total_documents,
	(SELECT COUNT(*) FROM document_sources) AS total_sources,
	(SELECT COUNT(*) FROM duplicate_groups) AS duplicate_groups,
	(SELECT COUNT(*) FROM duplicate_groups WHERE detection_method = 'fuzzy') AS fuzzy_merges,
	(SELECT COUNT(*) FROM partial_overlaps) AS overlaps,
	(SELECT COUNT(*) FROM review_queue WHERE status = 'pending') AS pending_reviews`

// Stats returns aggregate counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return stats(ctx, s.db)
}

func stats(ctx context.Context, q sqlx.QueryerContext) (Stats, error) {
	var st Stats
	if err := sqlx.GetContext(ctx, q, &st, statsQuery); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if st.TotalDocuments > 0 {
		st.AvgSourcesPerDocument = float64(st.TotalSources) / float64(st.TotalDocuments)
	}
	if st.TotalSources > 0 {
		st.DuplicateRate = float64(st.TotalSources-st.TotalDocuments) / float64(st.TotalSources)
	}
	return st, nil
}

// SearchParams filters canonical documents. Text and the metadata fields
// match as case-insensitive substrings; empty fields are ignored.
type SearchParams struct {
	Text         string
	DocumentType string
	From         string
	To           string
	Subject      string
	Limit        int
}

// Hit is one search result.
type Hit struct {
	ID              int64     `db:"id" json:"id"`
	DocumentType    string    `db:"document_type" json:"document_type"`
	OCRQualityScore float64   `db:"ocr_quality_score" json:"ocr_quality_score"`
	Date            *string   `db:"meta_date" json:"date,omitempty"`
	From            *string   `db:"meta_from" json:"from,omitempty"`
	To              *string   `db:"meta_to" json:"to,omitempty"`
	Subject         *string   `db:"meta_subject" json:"subject,omitempty"`
	Sources         int       `db:"sources" json:"sources"`
	Snippet         string    `db:"snippet" json:"snippet"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Search returns canonical documents matching p, newest id first.
func (s *Service) Search(ctx context.Context, p SearchParams) ([]Hit, error) {
	limit := p.Limit
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}

	var where []string
	var args []any
	like := func(col, v string) {
		if v = strings.TrimSpace(v); v != "" {
			where = append(where, col+` LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(v)+"%")
		}
	}
	like("c.primary_text", p.Text)
	like("c.meta_from", p.From)
	like("c.meta_to", p.To)
	like("c.meta_subject", p.Subject)
	if t := strings.TrimSpace(p.DocumentType); t != "" {
		where = append(where, "c.document_type = ?")
		args = append(args, string(db.ParseDocumentType(t)))
	}

	query := `SELECT c.id, c.document_type, c.ocr_quality_score, c.meta_date, c.meta_from, c.meta_to, c.meta_subject,
		c.updated_at, substr(c.primary_text, 1, 160) AS snippet,
		(SELECT COUNT(*) FROM document_sources s WHERE s.canonical_document_id = c.id) AS sources
		FROM canonical_documents c`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.id DESC LIMIT ?"
	args = append(args, limit)

	hits := []Hit{}
	if err := sqlx.SelectContext(ctx, s.db, &hits, query, args...); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DocumentDetail is one canonical document with everything attached to it.
type DocumentDetail struct {
	Document DocumentView   `json:"document"`
	Sources  []SourceView   `json:"sources"`
	Groups   []GroupView    `json:"duplicate_groups"`
	Overlaps []OverlapView  `json:"overlaps"`
	History  []RevisionView `json:"text_history"`
}

// Document returns the detail of canonical document id, wrapping
// db.ErrNotFound when it does not exist.
func (s *Service) Document(ctx context.Context, id int64) (DocumentDetail, error) {
	return document(ctx, s.db, id)
}

func document(ctx context.Context, ex db.DBExecutor, id int64) (DocumentDetail, error) {
	var out DocumentDetail
	doc, err := db.GetCanonical(ctx, ex, id)
	if err != nil {
		return out, err
	}
	sources, err := db.ListSources(ctx, ex, id)
	if err != nil {
		return out, err
	}
	groups, err := db.ListGroups(ctx, ex, id)
	if err != nil {
		return out, err
	}
	overlaps, err := db.ListOverlaps(ctx, ex, id)
	if err != nil {
		return out, err
	}
	history, err := db.ListTextHistory(ctx, ex, id)
	if err != nil {
		return out, err
	}

	out.Document = documentView(doc)
	out.Sources = make([]SourceView, 0, len(sources))
	for i := range sources {
		out.Sources = append(out.Sources, sourceView(&sources[i]))
	}
	out.Groups = make([]GroupView, 0, len(groups))
	for i := range groups {
		out.Groups = append(out.Groups, groupView(&groups[i]))
	}
	out.Overlaps = make([]OverlapView, 0, len(overlaps))
	for i := range overlaps {
		out.Overlaps = append(out.Overlaps, overlapView(&overlaps[i]))
	}
	out.History = make([]RevisionView, 0, len(history))
	for i := range history {
		out.History = append(out.History, revisionView(&history[i]))
	}
	return out, nil
}

// Reviews returns ambiguous documents awaiting a decision, oldest first.
func (s *Service) Reviews(ctx context.Context) ([]ReviewView, error) {
	reviews, err := db.ListReviews(ctx, s.db, "pending")
	if err != nil {
		return nil, err
	}
	out := make([]ReviewView, 0, len(reviews))
	for i := range reviews {
		out = append(out, reviewView(&reviews[i]))
	}
	return out, nil
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
