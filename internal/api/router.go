/**
 * @description
 * HTTP router setup for the dunning service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the dunning routes.
func NewRouter(h *Handler, internalKey, consoleSecret string, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/internal/dunning", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/tenants/{tenantID}/config", h.handleGetConfig)
		r.Put("/tenants/{tenantID}/config", h.handleUpdateConfig)
		r.Get("/invoices", h.handleListInvoices)
		r.Get("/stats", h.handleGetStats)
		r.Post("/invoices/{invoiceID}/start", h.handleStartDunning)
		r.Post("/invoices/{invoiceID}/stop", h.handleStopDunning)
		r.Post("/invoices/{invoiceID}/retry", h.handleManualRetry)
	})

	r.Group(func(r chi.Router) {
		r.Use(ConsoleAuthMiddleware(consoleSecret))
		r.Get("/dunning/invoices", h.handleConsoleListInvoices)
		r.Get("/dunning/stats", h.handleConsoleStats)
	})

	return r
}
