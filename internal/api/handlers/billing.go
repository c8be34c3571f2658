// This file implements the authenticated billing endpoints: starting a
// subscription, canceling one, and reading the caller's entitlement.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shoplist/internal/billing"
	"shoplist/internal/core"
	"shoplist/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally so the handler depends on the service contract rather
// than the concrete billing.Service, which keeps test mocking simple.

// SubscriptionCommands abstracts the synchronous subscription operations.
// Implemented by billing.Service.
type SubscriptionCommands interface {
	// StartSubscription creates a processor subscription for the caller
	// and returns the client secret needed to confirm payment.
	StartSubscription(ctx context.Context, identity types.Identity, priceID string) (*billing.StartSubscriptionResult, error)

	// CancelSubscription cancels the caller's subscription, immediately
	// or at period end. Rejects subscriptions the caller does not own.
	CancelSubscription(ctx context.Context, identity types.Identity, subscriptionID string, immediate bool) (*billing.CancelSubscriptionResult, error)

	// GetEntitlement returns the caller's current entitlement record,
	// falling back to the free-plan default when none exists.
	GetEntitlement(ctx context.Context, identity types.Identity) (*types.EntitlementRecord, error)
}

// --- Request Models ---

// StartSubscriptionRequest is the request body for POST /v1/billing/subscription.
type StartSubscriptionRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

// CancelSubscriptionRequest is the request body for POST /v1/billing/subscription/cancel.
type CancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Immediate      bool   `json:"immediate"`
}

// --- Billing Handler ---

// BillingHandler handles synchronous billing actions initiated by the
// authenticated user.
type BillingHandler struct {
	commands  SubscriptionCommands
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a new BillingHandler with the provided dependencies.
func NewBillingHandler(
	commands SubscriptionCommands,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		commands:  commands,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing endpoints. The parent router applies
// the identity middleware, so every request here carries a resolved
// caller identity.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/subscription", h.StartSubscription)
	r.Post("/billing/subscription/cancel", h.CancelSubscription)
	r.Get("/billing/entitlement", h.GetEntitlement)
}

// --- Billing Handler Methods ---

// StartSubscription handles POST /v1/billing/subscription.
//
//  1. Decode and validate the StartSubscriptionRequest.
//  2. Call commands.StartSubscription with the caller's identity. The
//     service validates the price against the configured premium tiers.
//  3. Return 200 with the subscription ID and client secret.
func (h *BillingHandler) StartSubscription(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"authentication required",
			nil,
		))
		return
	}

	var req StartSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.commands.StartSubscription(r.Context(), identity, req.PriceID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to start subscription",
			slog.String("user_id", identity.UserID),
			slog.String("price_id", req.PriceID),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// CancelSubscription handles POST /v1/billing/subscription/cancel.
//
//  1. Decode and validate the CancelSubscriptionRequest.
//  2. Call commands.CancelSubscription. The service rejects requests for
//     subscriptions the caller does not own before touching the processor.
//  3. Return 200 with the post-cancellation state.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"authentication required",
			nil,
		))
		return
	}

	var req CancelSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.commands.CancelSubscription(r.Context(), identity, req.SubscriptionID, req.Immediate)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to cancel subscription",
			slog.String("user_id", identity.UserID),
			slog.String("subscription_id", req.SubscriptionID),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// GetEntitlement handles GET /v1/billing/entitlement.
//
// Returns the caller's current entitlement snapshot. Users with no
// billing history get the implicit free-plan default rather than a 404,
// so the client renders the same shape either way.
func (h *BillingHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"authentication required",
			nil,
		))
		return
	}

	rec, err := h.commands.GetEntitlement(r.Context(), identity)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}
