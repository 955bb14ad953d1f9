package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"github.com/japaniel/docdedup/pkg/query"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.query.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := query.SearchParams{
		Text:         q.Get("q"),
		DocumentType: q.Get("type"),
		From:         q.Get("from"),
		To:           q.Get("to"),
		Subject:      q.Get("subject"),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		params.Limit = limit
	}
	hits, err := s.query.Search(r.Context(), params)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": hits})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("document id must be a positive integer"))
		return
	}
	detail, err := s.query.Document(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if query.IsNotFound(err) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.query.Reviews(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

// handleExport streams the export; errors after the first byte can only be
// logged.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="docdedup-export.json"`)
	st, err := s.query.Export(r.Context(), w)
	if err != nil {
		s.logger.Error().Err(err).Msg("export failed")
		return
	}
	s.logger.Info().Str("export_id", st.ExportID).Int("documents", st.Documents).Msg("export served")
}
