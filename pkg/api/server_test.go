package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/metrics"
	"github.com/japaniel/docdedup/pkg/query"
)

func newTestServer(t *testing.T) (*Server, int64) {
	t.Helper()
	conn, err := db.Open(db.MemoryPath, db.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	from := "legal@example.com"
	doc := &db.CanonicalDocument{
		ContentHash:  "abc123",
		PrimaryText:  "please produce all records",
		DocumentType: db.TypeSubpoena,
		Metadata:     db.Metadata{From: &from},
	}
	src := &db.DocumentSource{SourceName: "court", OriginalIdentifier: "sp-1", ContentHash: "abc123"}
	id, err := db.InsertCanonical(context.Background(), conn, doc, src, nil, db.Audit{})
	require.NoError(t, err)

	m := metrics.New()
	m.DocumentsProcessed.Inc()
	return NewServer(query.New(conn), m, zerolog.Nop()), id
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var st query.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, 1, st.TotalDocuments)
	require.Equal(t, 1, st.TotalSources)
}

func TestSearchEndpoint(t *testing.T) {
	s, id := newTestServer(t)
	rec := get(t, s, "/documents?q=records&type=subpoena&from=legal")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Documents []query.Hit `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Documents, 1)
	require.Equal(t, id, body.Documents[0].ID)

	rec = get(t, s, "/documents?type=email")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Documents)

	rec = get(t, s, "/documents?limit=-3")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentEndpoint(t *testing.T) {
	s, id := newTestServer(t)
	rec := get(t, s, "/documents/"+strconv.FormatInt(id, 10))
	require.Equal(t, http.StatusOK, rec.Code)
	var detail query.DocumentDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "subpoena", detail.Document.DocumentType)
	require.Len(t, detail.Sources, 1)

	require.Equal(t, http.StatusNotFound, get(t, s, "/documents/424242").Code)
	require.Equal(t, http.StatusBadRequest, get(t, s, "/documents/abc").Code)
}

func TestExportEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/export")
	require.Equal(t, http.StatusOK, rec.Code)
	var env query.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, query.ExportFormat, env.Format)
	require.Len(t, env.Documents, 1)
}

func TestReviewsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/reviews")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"reviews":[]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "docdedup_documents_processed_total 1")
	require.Contains(t, rec.Body.String(), "docdedup_canonical_documents 1")
	require.Contains(t, rec.Body.String(), "docdedup_document_sources 1")
	require.Contains(t, rec.Body.String(), "docdedup_pending_reviews 0")
}

func TestMetricsTrackStoreBetweenScrapes(t *testing.T) {
	conn, err := db.Open(db.MemoryPath, db.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	s := NewServer(query.New(conn), metrics.New(), zerolog.Nop())

	require.Contains(t, get(t, s, "/metrics").Body.String(), "docdedup_canonical_documents 0")

	_, err = db.InsertCanonical(context.Background(), conn,
		&db.CanonicalDocument{ContentHash: "def456", PrimaryText: "second letter", DocumentType: db.TypeLetter},
		&db.DocumentSource{SourceName: "mail", OriginalIdentifier: "l-1", ContentHash: "def456"},
		nil, db.Audit{})
	require.NoError(t, err)
	require.Contains(t, get(t, s, "/metrics").Body.String(), "docdedup_canonical_documents 1")
}
