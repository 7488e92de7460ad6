// Package api exposes batch scoring, run history, bundle and rule
// management over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	idleTimeout       = 2 * time.Minute
	readHeaderTimeout = 10 * time.Second
)

// Server serves the Kestrel HTTP API.
type Server struct {
	router *chi.Mux
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer wires the routes. cache and bus may be nil; without a bus
// asynchronous submissions are rejected.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, runner *pipeline.Runner, version string) *Server {
	h := NewHandler(repo, cache, eventBus, runner, cfg, version)

	router := chi.NewRouter()
	router.Use(corsHandler(cfg.CORSOrigins), Recover, middleware.RealIP, Trace, Observe, middleware.Compress(5))

	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(RequireTenant)

		r.Post("/detect", h.Detect)
		r.Post("/benford/report", h.BenfordReport)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
			r.Get("/{id}/results", h.GetRunResults)
			r.Get("/{id}/providers", h.GetRunProviders)
		})

		r.Get("/bundles", h.ListBundles)
		r.Post("/bundles", h.CreateBundle)

		r.Get("/rules", h.ListRules)
		r.Post("/rules", h.CreateRule)
		r.Post("/rules/reload", h.ReloadRules)
	})

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Start listens on the configured address and serves until Shutdown. It
// returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return s.server.Serve(ln)
}

// Addr reports the bound address once Start is listening, or the configured
// address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the route tree, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
