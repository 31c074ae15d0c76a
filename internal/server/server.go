// Package server exposes the operational status of the ingestion tasks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"transitsync/internal/storage"
)

// Server is the status HTTP server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	db     *storage.DB
	logger *slog.Logger
}

// New creates a new Server with all routes registered.
func New(addr string, db *storage.DB, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{addr: addr, mux: mux, db: db, logger: logger}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /status", s.status)

	return s
}

// Handler returns the server's handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux, s.logger)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// healthz reports 503 until every mode has a static graph.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	var missing []string
	for _, m := range s.db.Modes() {
		if !s.db.HasStaticGraph(r.Context(), m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		w.Header().Set("Retry-After", "30")
		http.Error(w, "no static graph for: "+strings.Join(missing, ", "), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

type modeStatus struct {
	HasStaticGraph bool              `json:"has_static_graph"`
	Counts         map[string]int    `json:"counts,omitempty"`
	Metadata       map[string]string `json:"metadata"`
}

// status reports per-mode row counts and metadata.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta, err := s.db.Metadata(ctx)
	if err != nil {
		s.logger.Error("read metadata", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	modes := make(map[string]modeStatus, len(s.db.Modes()))
	for _, m := range s.db.Modes() {
		st := modeStatus{HasStaticGraph: s.db.HasStaticGraph(ctx, m), Metadata: map[string]string{}}
		for k, v := range meta {
			if key, ok := strings.CutPrefix(k, m+"."); ok {
				st.Metadata[key] = v
			}
		}
		counts, err := s.db.StaticCounts(ctx, m)
		if err != nil {
			s.logger.Error("count static rows", "mode", m, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		st.Counts = make(map[string]int, len(counts))
		for e, n := range counts {
			st.Counts[string(e)] = n
		}
		modes[m] = st
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"modes": modes})
}
