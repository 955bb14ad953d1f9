package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/dedup"
	"github.com/japaniel/docdedup/pkg/descriptor"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/ingest"
	"github.com/japaniel/docdedup/pkg/overlap"
)

func setupStore(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.MemoryPath, db.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func words(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func item(source, ident, docType string, ws []string, quality float64, from string) descriptor.Descriptor {
	q := quality
	d := descriptor.Descriptor{
		SourceName:         source,
		OriginalIdentifier: ident,
		DocumentType:       docType,
		ExtractedText:      strings.Join(ws, " "),
		OCRQualityScore:    &q,
	}
	if from != "" {
		d.Metadata.From = &from
	}
	return d
}

// populate builds a store with one exact duplicate, one fuzzy merge, one
// partial overlap and one ambiguous review.
func populate(t *testing.T, conn *sql.DB) {
	t.Helper()
	h := hasher.New(hasher.Options{})
	ig := ingest.NewIngester(conn, dedup.New(h, dedup.Options{}), overlap.New(h, overlap.Options{}))

	letter := words("letter", 60)
	memo := words("memo", 120)
	base := words("w", 60)
	alpha := append([]string(nil), base...)
	alpha[10] = "alpha"
	omega := append([]string(nil), base...)
	omega[50] = "omega"

	items := []descriptor.Descriptor{
		item("mail", "m1", "email", words("hello", 40), 0.8, "alice@example.com"),
		item("backup", "m1.eml", "email", words("hello", 40), 0.8, ""),
		item("scan", "l1", "letter", append(letter[:30:30], letter[31:]...), 0.5, ""),
		item("rescan", "l1", "letter", letter, 0.9, "Bob"),
		item("mail", "memo", "email", memo, 0.9, ""),
		item("mail", "fwd", "email", append(words("fwd", 80), memo...), 0.9, ""),
		item("s", "x", "memo", alpha, 0.8, ""),
		item("s", "y", "memo", omega, 0.8, ""),
		item("s", "z", "memo", base, 0.8, ""),
	}
	_, err := ig.Ingest(context.Background(), descriptor.Slice(items, descriptor.Defaults{}))
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	conn := setupStore(t)
	populate(t, conn)

	st, err := New(conn).Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, st.TotalDocuments)
	require.Equal(t, 8, st.TotalSources)
	require.Equal(t, 1, st.DuplicateGroups)
	require.Equal(t, 1, st.FuzzyMerges)
	require.Equal(t, 1, st.PendingReviews)
	// fwd/memo plus x/y share text.
	require.Equal(t, 2, st.Overlaps)
	require.InDelta(t, 8.0/6.0, st.AvgSourcesPerDocument, 1e-9)
	require.InDelta(t, 2.0/8.0, st.DuplicateRate, 1e-9)
}

func TestStatsEmptyStore(t *testing.T) {
	st, err := New(setupStore(t)).Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{}, st)
}

func TestSearch(t *testing.T) {
	conn := setupStore(t)
	populate(t, conn)
	svc := New(conn)
	ctx := context.Background()

	hits, err := svc.Search(ctx, SearchParams{Text: "LETTER31"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "letter", hits[0].DocumentType)
	require.Equal(t, 2, hits[0].Sources)
	require.NotNil(t, hits[0].From)
	require.Equal(t, "Bob", *hits[0].From)

	hits, err = svc.Search(ctx, SearchParams{DocumentType: "email"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Greater(t, hits[0].ID, hits[1].ID)

	hits, err = svc.Search(ctx, SearchParams{From: "ALICE@"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = svc.Search(ctx, SearchParams{Text: "100%_"})
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = svc.Search(ctx, SearchParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestDocumentDetail(t *testing.T) {
	conn := setupStore(t)
	populate(t, conn)
	svc := New(conn)
	ctx := context.Background()

	hits, err := svc.Search(ctx, SearchParams{Text: "letter5"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	detail, err := svc.Document(ctx, hits[0].ID)
	require.NoError(t, err)
	require.Len(t, detail.Sources, 2)
	require.Len(t, detail.Groups, 1)
	require.Equal(t, "fuzzy", detail.Groups[0].DetectionMethod)
	require.Equal(t, []int64{detail.Sources[1].ID}, detail.Groups[0].SourceIDs)
	require.Len(t, detail.History, 1)
	require.InDelta(t, 0.9, detail.Document.OCRQualityScore, 1e-9)

	_, err = svc.Document(ctx, 9999)
	require.True(t, IsNotFound(err))
}

func TestReviews(t *testing.T) {
	conn := setupStore(t)
	populate(t, conn)

	reviews, err := New(conn).Reviews(context.Background())
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	require.Equal(t, "z", reviews[0].OriginalIdentifier)
	require.Len(t, reviews[0].Candidates, 2)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := setupStore(t)
	populate(t, src)

	var buf bytes.Buffer
	es, err := New(src).Export(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, 6, es.Documents)
	require.Equal(t, 8, es.Sources)
	require.Equal(t, 2, es.Overlaps)
	require.Equal(t, 1, es.Reviews)

	var env Envelope
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	require.Equal(t, ExportFormat, env.Format)
	require.Equal(t, ExportFormatVersion, env.FormatVersion)
	require.Equal(t, es.ExportID, env.ExportID)
	require.Len(t, env.Documents, 6)
	for i := 1; i < len(env.Documents); i++ {
		require.Less(t, env.Documents[i-1].ID, env.Documents[i].ID)
	}
	for _, d := range env.Documents {
		require.Equal(t, d.Sources[0].ID, d.RepresentativeSourceID)
	}

	dst := setupStore(t)
	res, err := New(dst).Import(ctx, bytes.NewReader(buf.Bytes()), "import-run")
	require.NoError(t, err)
	require.Equal(t, ImportResult{Documents: 6, Sources: 8, Groups: 1, Overlaps: 2, Revisions: 1, Reviews: 1}, res)

	before, err := New(src).Stats(ctx)
	require.NoError(t, err)
	after, err := New(dst).Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	for _, d := range env.Documents {
		if len(d.History) == 0 {
			continue
		}
		hist, err := db.ListTextHistory(ctx, dst, d.ID)
		require.NoError(t, err)
		require.Len(t, hist, len(d.History))
		require.Equal(t, d.History[0].PreviousText, hist[0].PreviousText)
		require.InDelta(t, 0.5, hist[0].PreviousScore, 1e-9)
		require.NotZero(t, hist[0].ReplacedBySourceID)
	}

	srcReviews, err := New(src).Reviews(ctx)
	require.NoError(t, err)
	dstReviews, err := New(dst).Reviews(ctx)
	require.NoError(t, err)
	require.Len(t, dstReviews, 1)
	require.Equal(t, srcReviews[0].OriginalIdentifier, dstReviews[0].OriginalIdentifier)
	require.Equal(t, srcReviews[0].Candidates, dstReviews[0].Candidates)

	for _, d := range env.Documents {
		got, err := db.GetCanonical(ctx, dst, d.ID)
		require.NoError(t, err)
		require.Equal(t, d.ContentHash, got.ContentHash)
		require.Equal(t, d.PrimaryText, got.PrimaryText)
	}

	// The imported store still finds near duplicates through rebuilt bands.
	h := hasher.New(hasher.Options{})
	dd := dedup.New(h, dedup.Options{})
	letter := words("letter", 60)
	letter[5] = "smudge"
	r, err := dd.Classify(ctx, dst, dedup.Input{SourceName: "new", OriginalIdentifier: "l2", DocumentType: db.TypeLetter, Text: strings.Join(letter, " ")})
	require.NoError(t, err)
	require.Equal(t, dedup.KindMergeFuzzy, r.Decision.Kind)

	// Importing the same export again changes nothing.
	again, err := New(dst).Import(ctx, bytes.NewReader(buf.Bytes()), "import-run-2")
	require.NoError(t, err)
	require.Equal(t, 6, again.Skipped)
	require.Zero(t, again.Documents)
	require.Zero(t, again.Sources)
	require.Zero(t, again.Revisions)
	require.Zero(t, again.Reviews)
	final, err := New(dst).Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, after.TotalDocuments, final.TotalDocuments)
	require.Equal(t, after.TotalSources, final.TotalSources)
}

func TestImportRenumbersTakenIDs(t *testing.T) {
	ctx := context.Background()
	src := setupStore(t)
	populate(t, src)
	var buf bytes.Buffer
	_, err := New(src).Export(ctx, &buf)
	require.NoError(t, err)

	dst := setupStore(t)
	text := strings.Join(words("local", 30), " ")
	norm := hasher.ContentHash(text)
	_, err = db.InsertCanonical(ctx, dst,
		&db.CanonicalDocument{ID: 1, ContentHash: norm, PrimaryText: text},
		&db.DocumentSource{SourceName: "local", OriginalIdentifier: "1", ContentHash: norm}, nil, db.Audit{})
	require.NoError(t, err)

	res, err := New(dst).Import(ctx, &buf, "run")
	require.NoError(t, err)
	require.Equal(t, 6, res.Documents)
	require.Equal(t, 1, res.Renumbered)

	st, err := New(dst).Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, st.TotalDocuments)
	require.Equal(t, 2, st.Overlaps)
}

func TestImportRejectsUnknownFormat(t *testing.T) {
	svc := New(setupStore(t))
	_, err := svc.Import(context.Background(), strings.NewReader(`{"format":"something-else","format_version":1,"documents":[]}`), "run")
	var fe *FormatError
	require.ErrorAs(t, err, &fe)

	_, err = svc.Import(context.Background(), strings.NewReader(`{"format":"docdedup.canonical-set","format_version":3,"documents":[]}`), "run")
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 3, fe.Version)
}

func TestImportAcceptsVersionOne(t *testing.T) {
	res, err := New(setupStore(t)).Import(context.Background(), strings.NewReader(`{"format":"docdedup.canonical-set","format_version":1,"documents":[],"overlaps":[]}`), "run")
	require.NoError(t, err)
	require.Equal(t, ImportResult{}, res)
}
