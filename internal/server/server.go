// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/evalgate/internal/gateway"
	"github.com/howard-nolan/evalgate/internal/inflight"
	"github.com/howard-nolan/evalgate/internal/model"
)

// Account exposes per-user billing and audit data.
type Account interface {
	Balance(ctx context.Context, userID string) (int64, error)
	UsageLogs(ctx context.Context, userID string, limit int) ([]model.UsageLogEntry, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators handlers need. Account and Health are
// optional.
type Deps struct {
	Gateway *gateway.Gateway
	Guard   inflight.Guard
	Account Account
	Health  Pinger
	Logger  logrus.FieldLogger
}

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router  chi.Router
	gateway *gateway.Gateway
	guard   inflight.Guard
	account Account
	health  Pinger
	log     logrus.FieldLogger
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(d Deps) *Server {
	s := &Server{
		gateway: d.Gateway,
		guard:   d.Guard,
		account: d.Account,
		health:  d.Health,
		log:     d.Logger,
	}
	if s.guard == nil {
		s.guard = inflight.NewMemory()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(recordMetrics)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/notes/{subjectID}/evaluate", s.handleEvaluateNote)
		r.Post("/quizzes/{subjectID}/generate", s.handleGenerateQuiz)
		r.Post("/quizzes/{subjectID}/evaluate", s.handleEvaluateQuiz)

		r.Get("/credits", s.handleCredits)
		r.Get("/usage", s.handleUsage)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
