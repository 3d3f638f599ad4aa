// Package billing exposes the entitlement reconciler over HTTP: plan catalog,
// user-initiated plan changes, point consumption, billing history, and the
// payment provider webhook endpoint.
package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillchat/billing/pkg/entitlement"
)

// NewRouter mounts the billing HTTP API. All routes except the webhook
// endpoint require an authenticated user identity from the upstream gateway.
func NewRouter(rec *entitlement.Reconciler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{rec: rec, log: log}

	r := chi.NewRouter()

	r.Post("/webhooks/stripe", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Get("/plans", h.listPlans)
		r.Post("/subscription/upgrade", h.upgrade)
		r.Post("/subscription/downgrade", h.downgrade)
		r.Delete("/subscription/pending", h.cancelPending)
		r.Post("/subscription/portal", h.portal)
		r.Post("/points/consume", h.consumePoints)
		r.Get("/history", h.history)
	})

	return r
}
