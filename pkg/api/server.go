// Package api serves the canonical store read-only over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/japaniel/docdedup/pkg/metrics"
	"github.com/japaniel/docdedup/pkg/query"
)

type Server struct {
	router  chi.Router
	query   *query.Service
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewServer builds the router. m may be nil, in which case /metrics is not
// mounted; otherwise the store totals are added to it as gauges.
func NewServer(q *query.Service, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		query:   q,
		metrics: m,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	if m != nil {
		if err := m.RegisterStore(s.storeCounts); err != nil {
			s.logger.Error().Err(err).Msg("store gauges not registered")
		}
	}
	s.routes()
	return s
}

func (s *Server) storeCounts(ctx context.Context) (metrics.StoreCounts, error) {
	st, err := s.query.Stats(ctx)
	if err != nil {
		return metrics.StoreCounts{}, err
	}
	return metrics.StoreCounts{
		Documents:       st.TotalDocuments,
		Sources:         st.TotalSources,
		DuplicateGroups: st.DuplicateGroups,
		Overlaps:        st.Overlaps,
		PendingReviews:  st.PendingReviews,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("dur", time.Since(start)).Str("remote", r.RemoteAddr).Msg("request")
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Get("/stats", s.handleStats)
	s.router.Get("/documents", s.handleSearch)
	s.router.Get("/documents/{id}", s.handleDocument)
	s.router.Get("/reviews", s.handleReviews)
	s.router.Get("/export", s.handleExport)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Int("status", status).Err(err).Msg("request failed")
	} else {
		s.logger.Warn().Int("status", status).Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
