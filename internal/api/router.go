/**
 * @description
 * This file sets up the HTTP router for the flowsure-backend. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies the standard middleware stack.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the web dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the flowsure routes.
func NewRouter(h *Handlers, sessionSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require a wallet session.
	r.Group(func(r chi.Router) {
		r.Use(WalletAuthMiddleware(sessionSecret))

		// Authorization grants
		r.Post("/authorization", h.CreateGrantHandler)
		r.Delete("/authorization", h.RevokeGrantHandler)
		r.Get("/authorization", h.GetActiveGrantHandler)

		// Scheduled transfers
		r.Post("/scheduled-transfers", h.CreateScheduledTransferHandler)
		r.Get("/scheduled-transfers", h.ListScheduledTransfersHandler)
		r.Post("/scheduled-transfers/estimate", h.EstimateRecurringCostHandler)
		r.Get("/scheduled-transfers/{id}", h.GetScheduledTransferHandler)
		r.Delete("/scheduled-transfers/{id}", h.CancelScheduledTransferHandler)

		// Insured actions
		r.Post("/insure", h.InsureActionHandler)
		r.Get("/actions", h.ListActionsHandler)
		r.Get("/actions/{id}", h.GetActionHandler)

		// Dashboards
		r.Get("/metrics/protection", h.GetProtectionMetricsHandler)
		r.Get("/metrics/vault", h.GetVaultMetricsHandler)
	})

	return r
}
