/**
 * @description
 * This file sets up the HTTP router for the entitlement service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, panic recovery, CORS, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// EntitlementRoutes creates and returns the router for the entitlement service.
func EntitlementRoutes(h *EntitlementHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The gateway posts settlements here; it cannot carry a user token.
	r.Post("/payments/callback", h.PaymentCallbackHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		// Payment initiation endpoints.
		r.Post("/plans/{planID}/pay", h.PaySubscriptionHandler)
		r.Post("/plans/{planID}/methods/{methodID}/pay", h.PaySubscriptionWithMethodHandler)
		r.Post("/materials/{materialID}/pay", h.PayMaterialHandler)

		// Entitlement endpoints.
		r.Get("/materials/{materialID}/access", h.MaterialAccessHandler)
		r.Post("/materials/{materialID}/unlock", h.UnlockMaterialHandler)

		// Administrative endpoints.
		r.Delete("/admin/users/{userID}/material-views", h.ResetMaterialViewsHandler)
	})

	return r
}
