// Package core provides the HTTP chassis for the ShopList entitlement service.
// It creates a chi router and enforces cross-cutting concerns -- recovery,
// logging, identity resolution, and error handling -- before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shoplist/internal/config"
	"shoplist/internal/types"
)

// IdentityResolver resolves an opaque bearer token into the caller's Identity.
// Authentication itself is owned by the surrounding application; the
// entitlement service only consumes the resolved identity.
type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (types.Identity, error)
}

// Server encapsulates all dependencies for the entitlement API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Identity  IdentityResolver

	// V1RouteRegistrars register authenticated domain routes under /v1.
	// PublicRouteRegistrars register routes outside the auth middleware
	// (the processor webhook endpoint).
	V1RouteRegistrars     []func(chi.Router)
	PublicRouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. The caller is responsible for mounting routes
// (via MountRoutes) after construction; this separation allows tests to
// customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
