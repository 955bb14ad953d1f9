package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/dedup"
	"github.com/japaniel/docdedup/pkg/descriptor"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/metrics"
	"github.com/japaniel/docdedup/pkg/overlap"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.MemoryPath, db.OpenOptions{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newIngester(conn *sql.DB) *Ingester {
	h := hasher.New(hasher.Options{})
	ig := NewIngester(conn, dedup.New(h, dedup.Options{}), overlap.New(h, overlap.Options{}))
	ig.BatchSize = 8
	return ig
}

func words(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func without(ws []string, idx int) []string {
	out := append([]string(nil), ws[:idx]...)
	return append(out, ws[idx+1:]...)
}

func replaced(ws []string, idx int, w string) []string {
	out := append([]string(nil), ws...)
	out[idx] = w
	return out
}

func desc(source, ident, docType string, ws []string, quality float64) descriptor.Descriptor {
	q := quality
	return descriptor.Descriptor{
		SourceName:         source,
		OriginalIdentifier: ident,
		DocumentType:       docType,
		ExtractedText:      strings.Join(ws, " "),
		OCRQualityScore:    &q,
	}
}

func count(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(query, args...).Scan(&n))
	return n
}

func run(t *testing.T, ig *Ingester, items ...descriptor.Descriptor) Summary {
	t.Helper()
	sum, err := ig.Ingest(context.Background(), descriptor.Slice(items, descriptor.Defaults{}))
	require.NoError(t, err)
	return sum
}

func TestIngestSameEmailFromTwoSources(t *testing.T) {
	conn := setupDB(t)
	body := words("hello", 40)

	sum := run(t, newIngester(conn),
		desc("mailbox-a", "msg-1", "email", body, 0.8),
		desc("mailbox-b", "export/17.eml", "email", body, 0.7),
	)

	require.Equal(t, 2, sum.Processed)
	require.Equal(t, 1, sum.NewCanonical)
	require.Equal(t, 1, sum.AttachedExact)
	require.Equal(t, 1, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
	require.Equal(t, 2, count(t, conn, "SELECT COUNT(*) FROM document_sources"))
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM duplicate_groups"))
}

func TestIngestNearDuplicateCorpus(t *testing.T) {
	total := 2000
	if os.Getenv("DOCDEDUP_LARGE") == "1" {
		total = 20000
	}
	dupes := total / 10
	distinct := total - dupes

	var items []descriptor.Descriptor
	bases := make([][]string, distinct)
	for i := 0; i < distinct; i++ {
		bases[i] = words(fmt.Sprintf("d%dw", i), 60)
		items = append(items, desc("scan", fmt.Sprintf("doc-%d", i), "memo", bases[i], 0.7))
	}
	for i := 0; i < dupes; i++ {
		// A second OCR pass that lost one word.
		items = append(items, desc("rescan", fmt.Sprintf("doc-%d", i), "memo", without(bases[i], 30), 0.6))
	}

	conn := setupDB(t)
	ig := newIngester(conn)
	ig.BatchSize = 100
	ig.Workers = 4
	sum := run(t, ig, items...)

	require.Equal(t, total, sum.Processed)
	require.Zero(t, sum.Errors)
	require.Equal(t, distinct, sum.NewCanonical)
	require.Equal(t, dupes, sum.MergedFuzzy)
	require.Equal(t, distinct, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
	require.Equal(t, dupes, count(t, conn, "SELECT COUNT(*) FROM duplicate_groups WHERE detection_method = 'fuzzy'"))
	require.Equal(t, total, count(t, conn, "SELECT COUNT(*) FROM document_sources"))
}

func TestIngestTwoOCRPassesKeepsBetterText(t *testing.T) {
	conn := setupDB(t)
	full := words("letter", 60)
	poor := without(full, 30)

	sum := run(t, newIngester(conn),
		desc("scan-1", "letter.pdf", "letter", poor, 0.55),
		desc("scan-2", "letter.pdf", "letter", full, 0.92),
	)
	require.Equal(t, 1, sum.NewCanonical)
	require.Equal(t, 1, sum.MergedFuzzy)

	require.Equal(t, 1, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
	require.Equal(t, 1, count(t, conn, "SELECT COUNT(*) FROM duplicate_groups WHERE detection_method = 'fuzzy'"))

	var id int64
	require.NoError(t, conn.QueryRow("SELECT id FROM canonical_documents").Scan(&id))
	doc, err := db.GetCanonical(context.Background(), conn, id)
	require.NoError(t, err)
	require.Equal(t, strings.Join(full, " "), doc.PrimaryText)
	require.InDelta(t, 0.92, doc.OCRQualityScore, 1e-9)

	hist, err := db.ListTextHistory(context.Background(), conn, id)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, strings.Join(poor, " "), hist[0].PreviousText)
}

func TestIngestShortLetterTwoOCRPasses(t *testing.T) {
	for _, n := range []int{20, 30, 40} {
		t.Run(fmt.Sprintf("%d words", n), func(t *testing.T) {
			conn := setupDB(t)
			full := words("note", n)
			poor := without(full, n/2)

			sum := run(t, newIngester(conn),
				desc("scan-1", "note.pdf", "letter", poor, 0.55),
				desc("scan-2", "note.pdf", "letter", full, 0.92),
			)
			require.Equal(t, 1, sum.NewCanonical)
			require.Equal(t, 1, sum.MergedFuzzy)
			require.Equal(t, 1, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
			require.Equal(t, 1, count(t, conn, "SELECT COUNT(*) FROM duplicate_groups WHERE detection_method = 'fuzzy'"))

			var text string
			require.NoError(t, conn.QueryRow("SELECT primary_text FROM canonical_documents").Scan(&text))
			require.Equal(t, strings.Join(full, " "), text)
		})
	}
}

func TestIngestQualityNeverRegresses(t *testing.T) {
	conn := setupDB(t)
	full := words("memo", 60)
	sum := run(t, newIngester(conn),
		desc("a", "1", "memo", full, 0.9),
		desc("b", "1", "memo", without(full, 20), 0.4),
		desc("c", "1", "memo", without(full, 40), 0.9),
	)
	require.Equal(t, 2, sum.MergedFuzzy)

	var text string
	var score float64
	require.NoError(t, conn.QueryRow("SELECT primary_text, ocr_quality_score FROM canonical_documents").Scan(&text, &score))
	require.Equal(t, strings.Join(full, " "), text)
	require.InDelta(t, 0.9, score, 1e-9)
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM canonical_text_history"))
}

func TestIngestForwardedEmailOverlaps(t *testing.T) {
	conn := setupDB(t)
	memo := words("memo", 120)
	email := append(words("fwd", 80), memo...)

	sum := run(t, newIngester(conn),
		desc("mail", "memo", "email", memo, 0.9),
		desc("mail", "fwd", "email", email, 0.9),
	)
	require.Equal(t, 2, sum.NewCanonical)
	require.Zero(t, sum.MergedFuzzy)
	require.Equal(t, 1, sum.Overlaps)

	require.Equal(t, 2, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM duplicate_groups"))

	var ratio float64
	require.NoError(t, conn.QueryRow("SELECT overlap_ratio FROM partial_overlaps").Scan(&ratio))
	require.InDelta(t, 0.60, ratio, 0.01)
}

func TestIngestAmbiguousGoesToReview(t *testing.T) {
	conn := setupDB(t)
	base := words("w", 60)

	sum := run(t, newIngester(conn),
		desc("s", "x", "memo", replaced(base, 10, "alpha"), 0.8),
		desc("s", "y", "memo", replaced(base, 50, "omega"), 0.8),
		desc("s", "z", "memo", base, 0.8),
	)
	require.Equal(t, 2, sum.NewCanonical)
	require.Equal(t, 1, sum.Ambiguous)
	require.Equal(t, 2, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))

	reviews, err := db.ListReviews(context.Background(), conn, "pending")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	require.Equal(t, "z", reviews[0].OriginalIdentifier)
	require.Len(t, reviews[0].Candidates, 2)
	require.Contains(t, reviews[0].Descriptor, `"original_identifier":"z"`)
}

func TestIngestIsIdempotent(t *testing.T) {
	conn := setupDB(t)
	items := []descriptor.Descriptor{
		desc("s", "1", "letter", words("a", 60), 0.5),
		desc("s", "2", "letter", without(words("a", 60), 30), 0.9),
		desc("s", "3", "memo", words("b", 50), 0.5),
	}
	first := run(t, newIngester(conn), items...)
	require.Equal(t, 2, first.NewCanonical)

	snapshot := func() (int, int, int, int) {
		return count(t, conn, "SELECT COUNT(*) FROM canonical_documents"),
			count(t, conn, "SELECT COUNT(*) FROM document_sources"),
			count(t, conn, "SELECT COUNT(*) FROM duplicate_groups"),
			count(t, conn, "SELECT COUNT(*) FROM canonical_text_history")
	}
	c1, s1, g1, h1 := snapshot()

	second := run(t, newIngester(conn), items...)
	require.Equal(t, 3, second.AttachedExact)
	require.NotEqual(t, first.RunID, second.RunID)

	c2, s2, g2, h2 := snapshot()
	require.Equal(t, []int{c1, s1, g1, h1}, []int{c2, s2, g2, h2})
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM (SELECT content_hash FROM canonical_documents GROUP BY content_hash HAVING COUNT(*) > 1)"))
}

func TestWarmSkipsStoredDocuments(t *testing.T) {
	conn := setupDB(t)
	ig := newIngester(conn)
	body := words("stored", 40)
	run(t, ig, desc("s", "1", "memo", body, 0.5))

	ctx := context.Background()
	again := ig.Dedup.Prepare(dedup.Input{SourceName: "other", OriginalIdentifier: "copy", DocumentType: db.TypeMemo, Text: strings.Join(body, " ")})
	require.False(t, ig.warm(ctx, again))

	fresh := ig.Dedup.Prepare(dedup.Input{SourceName: "other", OriginalIdentifier: "new", DocumentType: db.TypeMemo, Text: strings.Join(words("fresh", 40), " ")})
	require.True(t, ig.warm(ctx, fresh))

	// A skipped document still classifies; the exact path needs no signatures.
	dec, err := ig.Dedup.Decide(ctx, conn, again)
	require.NoError(t, err)
	require.Equal(t, dedup.KindAttachExact, dec.Kind)
}

func TestIngestContinuesPastBadDocuments(t *testing.T) {
	conn := setupDB(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte(strings.Join(words("ok", 30), " ")), 0o644))

	items := []descriptor.Descriptor{
		{SourceName: "s", OriginalIdentifier: "missing", RawPath: filepath.Join(dir, "missing.txt")},
		{SourceName: "s", OriginalIdentifier: ""},
		{SourceName: "s", OriginalIdentifier: "good", RawPath: good},
	}
	ig := newIngester(conn)
	ig.Metrics = metrics.New()
	var last Progress
	ig.OnProgress = func(p Progress) { last = p }

	sum := run(t, ig, items...)
	require.Equal(t, 3, sum.Processed)
	require.Equal(t, 2, sum.Errors)
	require.Equal(t, 1, sum.NewCanonical)
	require.Equal(t, 3, last.Processed)
	require.Equal(t, 2, last.Errors)

	entries, err := db.ListLog(context.Background(), conn, sum.RunID, 0)
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		if e.Operation == db.OpError {
			kinds = append(kinds, e.Outcome)
		}
	}
	require.ElementsMatch(t, []string{"unreadable", "invalid_descriptor"}, kinds)
	require.Equal(t, 1, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
}

func TestIngestRejectsTextWithoutWords(t *testing.T) {
	conn := setupDB(t)
	noise := func(ident, docType, text string, raw []byte) descriptor.Descriptor {
		return descriptor.Descriptor{SourceName: "s", OriginalIdentifier: ident, DocumentType: docType, ExtractedText: text, RawBytes: raw}
	}

	sum := run(t, newIngester(conn),
		noise("blank-scan", "letter", "--- ... ---", []byte("scan one")),
		noise("smudge", "memo", "*** !!! ???", []byte("scan two")),
	)
	require.Equal(t, 2, sum.Processed)
	require.Equal(t, 2, sum.Errors)
	require.Zero(t, sum.NewCanonical)
	require.Zero(t, sum.AttachedExact)
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM document_sources"))
	require.Equal(t, 2, count(t, conn, "SELECT COUNT(*) FROM processing_log WHERE operation = ? AND outcome = 'extraction_failed'", db.OpError))
}

func TestIngestAuditsTimedOutBatch(t *testing.T) {
	conn := setupDB(t)
	ig := newIngester(conn)
	ig.TxTimeout = time.Nanosecond

	items := make([]descriptor.Descriptor, 5)
	for i := range items {
		items[i] = desc("s", fmt.Sprint(i), "memo", words(fmt.Sprintf("t%dw", i), 20), 0.5)
	}
	sum, err := ig.Ingest(context.Background(), descriptor.Slice(items, descriptor.Defaults{}))
	require.Error(t, err)
	require.Equal(t, 5, sum.Processed)
	require.Equal(t, 5, sum.Errors)
	require.Zero(t, sum.NewCanonical)
	require.Equal(t, 0, count(t, conn, "SELECT COUNT(*) FROM canonical_documents"))
	require.Equal(t, 5, count(t, conn, "SELECT COUNT(*) FROM processing_log WHERE run_id = ? AND operation = ? AND outcome = 'batch_failed'", sum.RunID, db.OpError))
}

func TestIngestDirectory(t *testing.T) {
	conn := setupDB(t)
	dir := t.TempDir()
	text := strings.Join(words("page", 30), " ")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte(text), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte(text), 0o644))

	src, err := descriptor.Dir(dir, descriptor.Defaults{SourceName: "share"})
	require.NoError(t, err)
	defer src.Close()

	sum, err := newIngester(conn).Ingest(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 1, sum.NewCanonical)
	require.Equal(t, 1, sum.AttachedExact)
}

func TestIngestContextCancel(t *testing.T) {
	conn := setupDB(t)
	items := make([]descriptor.Descriptor, 100)
	for i := range items {
		items[i] = desc("s", fmt.Sprint(i), "memo", words(fmt.Sprintf("c%dw", i), 20), 0.5)
	}

	ingester := newIngester(conn)
	ingester.BatchSize = 10

	// Create a context that is ALREADY canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := ingester.Ingest(ctx, descriptor.Slice(items, descriptor.Defaults{}))
	if sum.Processed != 0 {
		t.Errorf("Expected 0 processed documents with cancelled context, got %d", sum.Processed)
	}
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled error, got %v", err)
	}
}
