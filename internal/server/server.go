// Package server exposes the read-only operational API: current positions,
// the decision and reconciliation audit trails, and process metrics. It
// mutates nothing; trading only ever flows through the engine.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/oakrand/tradecore/internal/audit"
	"github.com/oakrand/tradecore/internal/engine"
	"github.com/oakrand/tradecore/internal/ledger"
	"github.com/oakrand/tradecore/internal/observ"
	"github.com/oakrand/tradecore/internal/reconcile"
)

// Server is the HTTP query surface.
type Server struct {
	ledger     *ledger.Ledger
	engine     *engine.Engine
	audit      *audit.Store
	reconciler *reconcile.Reconciler
	log        zerolog.Logger
	httpServer *http.Server
}

// New builds the server on the given listen address.
func New(addr string, led *ledger.Ledger, eng *engine.Engine, store *audit.Store, rec *reconcile.Reconciler, log zerolog.Logger) *Server {
	s := &Server{
		ledger:     led,
		engine:     eng,
		audit:      store,
		reconciler: rec,
		log:        log.With().Str("component", "server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/positions", s.handlePositions)
	r.Get("/positions/{symbol}", s.handlePosition)
	r.Get("/decisions", s.handleDecisions)
	r.Get("/reconciliations", s.handleReconciliations)
	r.Handle("/metrics", observ.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it blocks, so run it in its own goroutine.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"nav":             s.engine.NAV(),
		"reconcile_state": s.reconciler.State(),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Snapshot())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	pos, ok := s.ledger.Get(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no position held for " + symbol})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.audit.RecentDecisions(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("querying decisions")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	records, err := s.audit.RecentReconciliations(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("querying reconciliations")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
