package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/quillchat/billing/core"
	"github.com/quillchat/billing/pkg/entitlement"
)

// maxWebhookBody bounds webhook payload reads. Stripe events are a few KB.
const maxWebhookBody = 1 << 20

type handlers struct {
	rec *entitlement.Reconciler
	log *slog.Logger
}

type planChangeRequest struct {
	PlanID string `json:"plan_id"`
}

type consumeRequest struct {
	Points int64 `json:"points"`
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

type changeResponse struct {
	User        entitlement.User `json:"user"`
	CheckoutURL string           `json:"checkout_url,omitempty"`
}

func (h *handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	render(w, r, core.JSON("plans", h.rec.Plans(), nil))
}

func (h *handlers) upgrade(w http.ResponseWriter, r *http.Request) {
	h.planChange(w, r, h.rec.RequestUpgrade)
}

func (h *handlers) downgrade(w http.ResponseWriter, r *http.Request) {
	h.planChange(w, r, h.rec.RequestDowngrade)
}

func (h *handlers) planChange(w http.ResponseWriter, r *http.Request, change planChangeFunc) {
	userID, _ := UserIDFromContext(r.Context())

	var req planChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		verr := core.NewValidationError()
		verr.Add("plan_id", "plan_id is required")
		render(w, r, core.JSONError(verr))
		return
	}

	result, err := change(r.Context(), userID, req.PlanID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render(w, r, core.JSON("plan_change", changeResponse{
		User:        result.User,
		CheckoutURL: result.CheckoutURL,
	}, nil))
}

func (h *handlers) cancelPending(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	u, err := h.rec.RequestCancelPendingChange(r.Context(), userID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render(w, r, core.JSON("pending_change_canceled", u, nil))
}

func (h *handlers) portal(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req portalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReturnURL == "" {
		verr := core.NewValidationError()
		verr.Add("return_url", "return_url is required")
		render(w, r, core.JSONError(verr))
		return
	}

	url, err := h.rec.CustomerPortal(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render(w, r, core.JSON("portal", map[string]string{"url": url}, nil))
}

func (h *handlers) consumePoints(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Points <= 0 {
		verr := core.NewValidationError()
		verr.Add("points", "points must be a positive integer")
		render(w, r, core.JSONError(verr))
		return
	}

	u, err := h.rec.ConsumePoints(r.Context(), userID, req.Points)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render(w, r, core.JSON("points", map[string]any{
		"points_used":      u.PointsUsed,
		"points_remaining": u.PointsRemaining(),
	}, nil))
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	entries, err := h.rec.BillingHistory(r.Context(), userID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render(w, r, core.JSON("history", entries, nil))
}

// handleWebhook receives provider event deliveries. Signature and payload
// failures get a 400 so the provider stops retrying a delivery that can
// never succeed; transient failures get a 500 to trigger redelivery.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		render(w, r, core.JSONError(core.ErrBadRequest))
		return
	}

	err = h.rec.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		render(w, r, core.JSON("webhook", map[string]bool{"received": true}, nil))
	case errors.Is(err, entitlement.ErrSignatureVerification),
		errors.Is(err, entitlement.ErrInvalidEvent):
		h.log.WarnContext(r.Context(), "rejected webhook delivery", slog.Any("error", err))
		render(w, r, core.JSONError(core.ErrBadRequest))
	default:
		h.log.ErrorContext(r.Context(), "failed to process webhook delivery", slog.Any("error", err))
		render(w, r, core.JSONError(core.ErrInternalServerError))
	}
}

type planChangeFunc = func(ctx context.Context, userID uuid.UUID, planID string) (*entitlement.ChangeResult, error)

// renderError maps domain errors onto the API error vocabulary.
func (h *handlers) renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound),
		errors.Is(err, entitlement.ErrPlanNotFound):
		render(w, r, core.JSONError(core.ErrNotFound))
	case errors.Is(err, entitlement.ErrAlreadyOnPlan):
		render(w, r, core.JSONError(fieldError("plan_id", err)))
	case errors.Is(err, entitlement.ErrFreePlanNotPurchasable):
		render(w, r, core.JSONError(fieldError("plan_id", err)))
	case errors.Is(err, entitlement.ErrPeriodNotElapsed):
		render(w, r, core.JSONError(core.ErrConflict))
	case errors.Is(err, entitlement.ErrPointsExhausted):
		render(w, r, core.JSONError(core.ErrPaymentRequired))
	case errors.Is(err, entitlement.ErrNoProviderCustomer):
		render(w, r, core.JSONError(fieldError("subscription", err)))
	case errors.Is(err, entitlement.ErrProviderUnavailable):
		h.log.ErrorContext(r.Context(), "payment provider request failed", slog.Any("error", err))
		render(w, r, core.JSONError(core.ErrBadGateway))
	default:
		h.log.ErrorContext(r.Context(), "billing request failed", slog.Any("error", err))
		render(w, r, core.JSONError(core.ErrInternalServerError))
	}
}

func fieldError(field string, err error) core.ValidationError {
	verr := core.NewValidationError()
	verr.Add(field, err.Error())
	return verr
}

func render(w http.ResponseWriter, r *http.Request, resp core.Response) {
	if err := resp.Render(w, r); err != nil {
		slog.ErrorContext(r.Context(), "failed to render response", slog.Any("error", err))
	}
}
