// Package handlers contains the HTTP handler implementations for the
// shoplist API.
//
// This file implements the Stripe webhook endpoint. The handler is NOT
// behind auth middleware -- it is called directly by Stripe. Security is
// provided by verifying the Stripe-Signature header using HMAC-SHA256.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"shoplist/internal/billing"
	"shoplist/internal/core"
	"shoplist/internal/external"
	"shoplist/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook
// payload (64 KB). Stripe webhook payloads are typically small; this
// limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// retryEnqueueDelay is the delay applied to the first durable retry of a
// failed entitlement write. Subsequent attempts back off inside the
// retry worker.
const retryEnqueueDelay = 30 * time.Second

// EventProcessor reconciles a verified provider event against local
// entitlement state. Implemented by billing.Router.
type EventProcessor interface {
	HandleEvent(ctx context.Context, evt *billing.Event) error
}

// RetryEnqueuer publishes retry tasks for entitlement writes that failed
// after the provider event was already acknowledged. Implemented by
// queue.RetryPublisher.
type RetryEnqueuer interface {
	Publish(ctx context.Context, task types.RetryTask, delay time.Duration) error
}

// StripeWebhookHandler handles asynchronous events from Stripe.
// It is unauthenticated (no session token) but verifies the provider
// signature before any event processing runs.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	processor EventProcessor
	retries   RetryEnqueuer
	secret    string
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler with the
// provided dependencies.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	processor EventProcessor,
	retries RetryEnqueuer,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		retries:   retries,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint. This is separate
// from BillingHandler.RegisterRoutes because webhook routes are public
// (no auth middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads the body with a 64 KB cap.
//  2. Verifies the Stripe-Signature header against the signing secret.
//     Verification failures reject with 4xx and never reach the router.
//  3. Parses and routes the event.
//  4. Returns 200 OK. Internal processing failures are logged, and
//     failed entitlement writes are enqueued for durable retry, but the
//     provider is always acknowledged once the signature checked out.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			slog.Any("error", err),
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to read request body",
			err,
		))
		return
	}

	if h.secret != "" {
		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
			core.Error(w, r, types.NewAppError(
				types.ErrCodeAuthTokenMissing,
				"missing Stripe-Signature header",
				nil,
			))
			return
		}

		if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
			h.logger.WarnContext(r.Context(), "webhook signature verification failed",
				slog.Any("error", err),
			)
			core.Error(w, r, types.NewAppError(
				types.ErrCodeAuthSignatureInvalid,
				"webhook signature verification failed",
				err,
			))
			return
		}
	}

	event, err := billing.ParseEvent(payload)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to parse webhook event JSON",
			slog.Any("error", err),
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
	)

	if err := h.processor.HandleEvent(r.Context(), event); err != nil {
		h.handleProcessingFailure(r.Context(), event, err)
		// Return 200 anyway to prevent Stripe from retrying the
		// delivery. The signature checked out and the failure is ours
		// to recover from, either via the retry queue or the client
		// reconciliation poller.
	}

	w.WriteHeader(http.StatusOK)
}

// handleProcessingFailure logs the failure and, when the router got far
// enough to derive the target entitlement record, hands the write off to
// the durable retry queue.
func (h *StripeWebhookHandler) handleProcessingFailure(ctx context.Context, event *billing.Event, err error) {
	h.logger.ErrorContext(ctx, "webhook event processing failed",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.Any("error", err),
	)

	var pf *billing.PersistenceFailure
	if !errors.As(err, &pf) || pf.Record == nil {
		// Resolution or provider re-fetch failed before a record was
		// derived; there is nothing durable to replay. The poller will
		// converge the client on its next pass.
		return
	}

	task := types.RetryTask{
		EventID:   event.ID,
		EventType: event.Type,
		Attempt:   1,
		Record:    *pf.Record,
	}
	if err := h.retries.Publish(ctx, task, retryEnqueueDelay); err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue entitlement retry task",
			slog.String("event_id", event.ID),
			slog.String("user_id", pf.Record.UserID),
			slog.Any("error", err),
		)
	}
}
