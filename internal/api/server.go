// Package api exposes the UI contract over HTTP for out-of-process
// TUI/browser adapters: a read-only state snapshot, a non-blocking
// refresh-now trigger, and the Prometheus scrape surface.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamvis/internal/domain"
	"streamvis/internal/pollloop"
)

// StateReader is the minimal read boundary the HTTP layer needs into the
// running engine, kept separate from domain.StateStore so the HTTP layer
// never gets direct write access.
type StateReader interface {
	Load() (*domain.State, error)
}

// OverlayReader is the minimal read boundary into an overlay.Store, used
// to fold the "forecast" section into the served state document. nil when
// the overlay store is not configured.
type OverlayReader interface {
	Populate(st *domain.State, gauges map[string]domain.Gauge, now time.Time) error
}

// Server bundles the chi router and its dependencies.
type Server struct {
	router  *chi.Mux
	store   StateReader
	engine  *pollloop.Engine
	overlay OverlayReader
	gauges  map[string]domain.Gauge
}

// New builds the router and registers every route.
func New(store StateReader, engine *pollloop.Engine) *Server {
	s := &Server{store: store, engine: engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/state", s.handleState)
	r.Post("/api/refresh", s.handleRefresh)
	r.Post("/api/forced-refetch", s.handleForcedRefetch)

	s.router = r
	return s
}

// WithOverlay attaches the overlay store and tracked gauge set so
// handleState can fold each gauge's forecast section into the served
// document. Returns s for chaining at construction time.
func (s *Server) WithOverlay(overlay OverlayReader, gauges map[string]domain.Gauge) *Server {
	s.overlay = overlay
	s.gauges = gauges
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleState returns a read snapshot of the state document, with every
// gauge's next_eta already normalized (past instants collapse to "now" on
// read, per the UI contract).
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Load()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	now := time.Now().UTC()
	for _, gs := range st.Gauges {
		if gs.NextETA != nil && !gs.NextETA.After(now) {
			n := now
			gs.NextETA = &n
		}
	}
	if s.overlay != nil {
		if err := s.overlay.Populate(st, s.gauges, now); err != nil {
			log.Printf("[api] overlay populate failed, serving without forecast: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRefresh sets the non-blocking "refresh now" flag the poll loop
// observes at its next wait boundary.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	select {
	case s.engine.Signal <- pollloop.SignalRefresh:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh-requested"})
}

// handleForcedRefetch sets the "forced refetch" flag, which additionally
// bypasses the same-timestamp dedup check on the next cycle.
func (s *Server) handleForcedRefetch(w http.ResponseWriter, r *http.Request) {
	select {
	case s.engine.Signal <- pollloop.SignalForcedRefresh:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "forced-refetch-requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
