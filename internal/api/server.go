// Package api exposes the ingestion trigger, run inspection, and origin
// audit endpoints over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/andes-mobility/attribution-cli/internal/identity"
	"github.com/andes-mobility/attribution-cli/internal/ingest"
	"github.com/andes-mobility/attribution-cli/internal/origin"
)

// Server wires the HTTP routes to the underlying services.
type Server struct {
	orch        *ingest.Orchestrator
	runs        *ingest.RunLog
	origins     *origin.Service
	originStore origin.Store
	identities  identity.Store

	router *chi.Mux
}

// NewServer builds the router. Ingestion triggered through it runs
// asynchronously; the response carries the Run id to poll.
func NewServer(orch *ingest.Orchestrator, runs *ingest.RunLog, origins *origin.Service,
	originStore origin.Store, identities identity.Store) *Server {

	s := &Server{
		orch:        orch,
		runs:        runs,
		origins:     origins,
		originStore: originStore,
		identities:  identities,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ingestion/runs", func(r chi.Router) {
			r.Post("/", s.handleTriggerRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Route("/origins", func(r chi.Router) {
			r.Get("/", s.handleListOrigins)
			r.Route("/{personID}", func(r chi.Router) {
				r.Get("/", s.handleGetOrigin)
				r.Get("/history", s.handleOriginHistory)
				r.Post("/determine", s.handleDetermineOrigin)
				r.Post("/resolve", s.handleResolveOrigin)
				r.Post("/mark-legacy", s.handleMarkLegacy)
				r.Post("/discard", s.handleDiscardOrigin)
			})
		})

		r.Get("/unmatched", s.handleListUnmatched)
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
