package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router. allowedOrigins feeds CORS for the
// frontend; webhooks and OAuth callbacks are provider-facing and sit
// outside /api.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// Cron entry point
	r.Post("/api/email-engine/action", h.HandleAction)

	// Provider webhooks
	r.Post("/webhooks/sendgrid/events", h.HandleEventWebhook)
	r.Post("/webhooks/sendgrid/inbound", h.HandleInboundParse)

	// Mailbox OAuth flows; callback paths are registered with the providers
	// and MUST stay path-based.
	r.Route("/email-oauth/{provider}", func(r chi.Router) {
		r.Get("/connect", h.HandleOAuthConnect)
		r.Get("/callback", h.HandleOAuthCallback)
		r.Delete("/disconnect", h.HandleOAuthDisconnect)
	})

	return r
}
