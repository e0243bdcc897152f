// Package core is the API chassis: a chi router with the cross-cutting
// middleware (recovery, request IDs, logging, compression, bearer auth)
// that runs before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fitmarket/internal/config"
)

// RouteRegistrar mounts a handler's routes on a router.
type RouteRegistrar func(r chi.Router)

// Server holds the API dependencies. Fields are set by main before
// MountRoutes.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars are mounted under /v1 behind AuthMiddleware.
	V1RouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars are mounted at the root without auth; the
	// Stripe webhook authenticates by signature instead.
	PublicRouteRegistrars []RouteRegistrar

	// Closers are released by Shutdown in order.
	Closers []func()

	router *chi.Mux
}

// NewServer fails fast on missing critical dependencies. Routes are
// mounted separately so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown releases server resources such as the database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, c := range s.Closers {
		c()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
