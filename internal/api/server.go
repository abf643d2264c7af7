package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/mapper"
	"github.com/opensource-finance/errmap/internal/quality"
)

// Server serves the mapping API.
type Server struct {
	mux  chi.Router
	http *http.Server
}

// NewServer wires the routes. The server does not listen until Start.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, svc *mapper.Service, engine *quality.Engine, version string) *Server {
	s := &Server{mux: routes(NewHandler(repo, cache, bus, svc, engine, version))}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.mux,
		ReadTimeout:       seconds(cfg.ReadTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      seconds(cfg.WriteTimeout),
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func routes(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(cors, observe, recoverJSON, middleware.RealIP)
	r.Use(middleware.Compress(5, "application/json", "text/csv"))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Post("/validate", h.Validate)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.CreateRun)
			r.Get("/{id}", h.GetRun)
			r.Get("/{id}/export", h.ExportRun)
		})

		r.Route("/checks", func(r chi.Router) {
			r.Get("/", h.ListChecks)
			r.Post("/", h.CreateCheck)
			r.Post("/reload", h.ReloadChecks)
			r.Get("/{id}", h.GetCheck)
			r.Delete("/{id}", h.DeleteCheck)
		})
	})
	return r
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ServeHTTP dispatches to the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Start blocks serving requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
