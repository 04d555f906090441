package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/token-auth-service/internal/api/http/handlers"
	"github.com/spec-kit/token-auth-service/internal/auth"
	"github.com/spec-kit/token-auth-service/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health        *handlers.HealthHandler
	Auth          *handlers.AuthHandler
	Authenticator *auth.Authenticator
	Metrics       *observability.Metrics
}

// RegisterRoutes wires HTTP routes. Every route after the authenticator sees
// the caller's identity when a valid credential was presented.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	authGroup := app.Group("/auth", cfg.Authenticator.Handle)
	authGroup.Post("/register", cfg.Auth.Register)
	authGroup.Post("/login", cfg.Auth.Login)
	authGroup.Post("/refresh", cfg.Auth.Refresh)

	authGroup.Get("/me", auth.RequireAuthenticated(), cfg.Auth.Me)
}
