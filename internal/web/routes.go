package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-attendance/internal/session"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	s.records = handlers.NewRecordsHandler(s.deps.Ledger, s.deps.Names, s.log)
	if s.deps.Session != nil && s.deps.Frames != nil {
		s.sessions = handlers.NewSessionsHandler(s.deps.Session, s.deps.Frames,
			func(session.Summary) { s.records.Invalidate() }, s.log)
	}

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Records
		r.Get("/dates", s.records.Dates)
		r.Get("/records", s.records.List)
		r.Get("/records/export", s.records.Export)

		// Recognition sessions
		if s.sessions != nil {
			r.Post("/sessions", s.sessions.Start)
			r.Get("/sessions/current", s.sessions.Status)
			r.Delete("/sessions/current", s.sessions.Cancel)
		}
	})

	if reg := s.deps.Metrics.Registry(); reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
}
