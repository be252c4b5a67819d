/**
 * @description
 * HTTP router for the payout reconciler. The public surface is the provider
 * webhook plus health and metrics; everything under /internal is for
 * operators and sibling services and requires the shared internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and the standard middleware stack.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the service router. metricsHandler may be nil.
func Routes(h *InternalHandlers, webhook *DepixWebhookHandler, internalAPIKey string, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Method(http.MethodPost, "/webhooks/depix", webhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/deposits/{depositID}", h.GetDepositHandler)
		r.Post("/deposits/{depositID}/dispatch", h.DispatchHandler)
		r.Post("/reconcile/confirmations", h.ReconcileConfirmationsHandler)
		r.Post("/reconcile/proofs", h.ReconcileProofsHandler)
	})

	return r
}
