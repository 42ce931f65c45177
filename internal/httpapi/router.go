// Package httpapi is the HTTP boundary: routing, request parsing, and the
// uniform response envelope. All authorization decisions are delegated to
// the core components.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/voidwire/gatekeep/internal/auth"
	"github.com/voidwire/gatekeep/internal/authz"
	"github.com/voidwire/gatekeep/internal/ban"
	"github.com/voidwire/gatekeep/internal/metrics"
	"github.com/voidwire/gatekeep/internal/token"
)

// Server holds the wired components behind the HTTP surface.
type Server struct {
	auth   *auth.Service
	tokens *token.Service
	bans   *ban.Engine
	authz  *authz.Cache
	log    zerolog.Logger
}

// NewServer wires the components into a Server.
func NewServer(
	authSvc *auth.Service,
	tokens *token.Service,
	bans *ban.Engine,
	authzCache *authz.Cache,
	log zerolog.Logger,
) *Server {
	return &Server{
		auth:   authSvc,
		tokens: tokens,
		bans:   bans,
		authz:  authzCache,
		log:    log,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(metrics.Instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/validate", s.handleValidate)
			r.Post("/auth/regenerate-token", s.handleRegenerateToken)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/auth/ban", s.handleBan)
				r.Post("/auth/unban", s.handleUnban)
			})

			r.With(s.requireRoute("AddUser")).Post("/users/add", s.handleAddUser)
		})
	})

	return r
}
