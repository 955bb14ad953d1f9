package overlap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/textnorm"
)

func setupStore(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.MemoryPath, db.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func tokens(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func insert(t *testing.T, conn *sql.DB, h *hasher.Hasher, docType db.DocumentType, ident string, words []string) int64 {
	t.Helper()
	text := strings.Join(words, " ")
	norm := textnorm.Words(text)
	doc := &db.CanonicalDocument{ContentHash: hasher.ContentHashWords(norm), PrimaryText: text, DocumentType: docType}
	src := &db.DocumentSource{SourceName: "test", OriginalIdentifier: ident, ContentHash: doc.ContentHash}
	id, err := db.InsertCanonical(context.Background(), conn, doc, src, h.BandKeys(h.Fingerprint(norm)), db.Audit{})
	require.NoError(t, err)
	return id
}

func TestDetectForwardedEmail(t *testing.T) {
	conn := setupStore(t)
	h := hasher.New(hasher.Options{})
	det := New(h, Options{})

	memo := tokens("memo", 120)
	memoID := insert(t, conn, h, db.TypeEmail, "memo", memo)
	// The forwarded email quotes the memo in full after its own 80 words.
	email := append(tokens("fwd", 80), memo...)
	emailID := insert(t, conn, h, db.TypeEmail, "fwd", email)

	rep, err := det.Detect(context.Background(), conn, emailID)
	require.NoError(t, err)
	require.Empty(t, rep.Misrouted)
	require.Len(t, rep.Overlaps, 1)

	ov := rep.Overlaps[0]
	require.Equal(t, memoID, ov.DocumentAID)
	require.Equal(t, emailID, ov.DocumentBID)
	// 118 shared shingles out of 198 in the email.
	require.InDelta(t, 118.0/198.0, ov.OverlapRatio, 1e-9)

	require.Contains(t, ov.Regions, db.Region{DocumentID: memoID, Start: 0, End: 117})
	require.Contains(t, ov.Regions, db.Region{DocumentID: emailID, Start: 80, End: 197})
}

func TestDetectIsSymmetric(t *testing.T) {
	conn := setupStore(t)
	h := hasher.New(hasher.Options{})
	det := New(h, Options{})

	shared := tokens("shared", 60)
	a := insert(t, conn, h, db.TypeMemo, "a", append(tokens("a", 40), shared...))
	b := insert(t, conn, h, db.TypeMemo, "b", append(shared, tokens("b", 50)...))

	fromA, err := det.Detect(context.Background(), conn, a)
	require.NoError(t, err)
	fromB, err := det.Detect(context.Background(), conn, b)
	require.NoError(t, err)
	require.Len(t, fromA.Overlaps, 1)
	require.Len(t, fromB.Overlaps, 1)
	require.Equal(t, fromA.Overlaps[0].OverlapRatio, fromB.Overlaps[0].OverlapRatio)
	require.Equal(t, fromA.Overlaps[0].DocumentAID, fromB.Overlaps[0].DocumentAID)
}

func TestDetectReportsMissedDuplicates(t *testing.T) {
	conn := setupStore(t)
	h := hasher.New(hasher.Options{})
	det := New(h, Options{})

	words := tokens("w", 100)
	a := insert(t, conn, h, db.TypeMemo, "a", words)
	b := insert(t, conn, h, db.TypeMemo, "b", append(append([]string(nil), words...), "tail"))

	rep, err := det.Detect(context.Background(), conn, b)
	require.NoError(t, err)
	require.Empty(t, rep.Overlaps)
	require.Len(t, rep.Misrouted, 1)
	require.Equal(t, a, rep.Misrouted[0].OtherID)
	require.Equal(t, "missed_duplicate", db.ErrorKind(rep.Misrouted[0]))
}

func TestDetectIgnoresSmallOverlapAndOtherTypes(t *testing.T) {
	conn := setupStore(t)
	h := hasher.New(hasher.Options{})
	det := New(h, Options{})

	shared := tokens("shared", 60)
	a := insert(t, conn, h, db.TypeMemo, "a", append(tokens("a", 40), shared...))
	insert(t, conn, h, db.TypeLetter, "other-type", append(tokens("b", 40), shared...))
	insert(t, conn, h, db.TypeMemo, "small", append(tokens("c", 300), shared[:10]...))

	rep, err := det.Detect(context.Background(), conn, a)
	require.NoError(t, err)
	require.Empty(t, rep.Overlaps)
	require.Empty(t, rep.Misrouted)
}
