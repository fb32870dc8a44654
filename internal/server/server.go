package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/usageprov/internal/config"
	"github.com/rpattn/usageprov/internal/handlers"
	"github.com/rpattn/usageprov/internal/middleware"
	"github.com/rpattn/usageprov/internal/usage"
)

type Server struct {
	ex  usage.Executor
	cfg *config.Config
	log logrus.FieldLogger
}

func New(ex usage.Executor, cfg *config.Config, log logrus.FieldLogger) *Server {
	return &Server{ex: ex, cfg: cfg, log: log}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.WithRequestID)
	r.Use(middleware.Logging(s.log))
	r.Use(chimw.Recoverer)

	// health
	r.Method(http.MethodGet, "/healthz", handlers.Health())

	// usage handlers
	r.Group(func(r chi.Router) {
		r.Use(middleware.WithRateLimit(s.cfg.Server.RateLimit))
		r.Method(http.MethodPost, "/api/v1/usage/reset",
			middleware.WithCronSecret(s.cfg, s.log, handlers.ResetMonthlyUsage(s.ex, s.log)))
	})

	return r
}
