package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Use(s.requestID, s.accessLog, s.recoverer, s.cors)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	// Prometheus scrape endpoint
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/network", s.handleNetwork)

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.Get("/groups", s.handleGetNodeGroups)
				r.Post("/poll", s.handlePollNode)
				r.Post("/interview", s.handleInterviewNode)
				r.Post("/send", s.handleSendToNode)
			})
		})

		r.Post("/inclusion", s.handleStartInclusion)
		r.Delete("/inclusion", s.handleCancelInclusion)
		r.Post("/exclusion", s.handleStartExclusion)
		r.Delete("/exclusion", s.handleCancelExclusion)

		r.Get("/events", s.handleListEvents)
		r.Get("/ws", s.handleWebSocket)
	})

	if p := s.wsCfg.Path; p != "" && p != "/api/v1/ws" {
		r.Get(p, s.handleWebSocket)
	}

	return r
}
