// Package api exposes the operations HTTP interface: health, metrics,
// and read-only views of sources and their detection state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/watch"
)

// Server wires HTTP handlers to the state store.
type Server struct {
	router  chi.Router
	sources []watch.Source
	store   watch.StateStore
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sources []watch.Source, store watch.StateStore, logger *zap.Logger) *Server {
	s := &Server{sources: sources, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Get("/{source_id}/state", s.getSourceState)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The state store is the only hard dependency; probe it with a
	// lookup that is allowed to miss.
	if _, _, err := s.store.Get(r.Context(), "readyz-probe"); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceSummary struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Strategy string   `json:"strategy"`
	Scheme   string   `json:"scheme"`
	Cadence  string   `json:"cadence"`
	Channels []string `json:"channels"`
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	out := make([]sourceSummary, 0, len(s.sources))
	for _, source := range s.sources {
		out = append(out, sourceSummary{
			ID:       source.ID,
			URL:      source.URL,
			Strategy: string(source.Strategy),
			Scheme:   string(source.Scheme),
			Cadence:  source.Cadence,
			Channels: source.Channels,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSourceState(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if !s.knownSource(sourceID) {
		s.writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	record, ok, err := s.store.Get(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "state lookup failed")
		return
	}
	if !ok {
		// Known source that has not completed a cycle yet.
		s.writeJSON(w, http.StatusOK, watch.StateRecord{SourceID: sourceID})
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) knownSource(sourceID string) bool {
	for _, source := range s.sources {
		if source.ID == sourceID {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
