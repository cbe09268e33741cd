package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router mounts the broker's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(accessLog(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/session/init", s.handleInit)
		r.Post("/session/verify", s.handleVerify)
		r.Get("/session/poll/{nonce}", s.handlePoll)
		r.Post("/session/proximity/{nonce}", s.handleProximity)
		r.Get("/ws/verification/{nonce}", s.handleWS)
	})

	return r
}
