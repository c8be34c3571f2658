package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shoplist/internal/config"
	"shoplist/internal/external"
	"shoplist/internal/types"
)

// Event is the envelope of a processor webhook event.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData holds the raw event object; its shape depends on Event.Type.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent decodes a webhook payload into an Event.
func ParseEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to decode webhook event",
			err,
		)
	}
	if evt.Type == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"webhook event missing type",
			nil,
		)
	}
	return &evt, nil
}

// Time returns the event's creation timestamp, used as the monotonic stamp
// on every write the event produces.
func (e *Event) Time() time.Time {
	if e.Created > 0 {
		return time.Unix(e.Created, 0).UTC()
	}
	return time.Now().UTC()
}

// PersistenceFailure wraps a persistence error together with the derived
// record, so the webhook path can enqueue a durable retry carrying the exact
// state that failed to land.
type PersistenceFailure struct {
	Record *types.EntitlementRecord
	Err    error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("failed to persist entitlement for user %s: %v", e.Record.UserID, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// Router dispatches processor webhook events to the correct handler. Each
// handler runs User Resolution, the Status Mapper, and the persistence
// upsert; all state lives in the entitlements table, so concurrent
// deliveries are safe.
type Router struct {
	resolver *UserResolver
	store    EntitlementStore
	payments external.PaymentProvider
	billing  config.BillingConfig
	logger   *slog.Logger
}

// NewRouter creates an event router.
func NewRouter(
	resolver *UserResolver,
	store EntitlementStore,
	payments external.PaymentProvider,
	billingCfg config.BillingConfig,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		resolver: resolver,
		store:    store,
		payments: payments,
		billing:  billingCfg,
		logger:   logger,
	}
}

// invoicePayload is the subset of an invoice event object the router reads.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// HandleEvent processes one webhook event. An unresolvable user or an
// uninteresting event type is logged and dropped (nil error). A persistence
// failure is returned as a *PersistenceFailure so the caller can enqueue a
// durable retry; the webhook response has already committed to acking.
func (r *Router) HandleEvent(ctx context.Context, evt *Event) error {
	switch evt.Type {
	case external.EventInvoicePaymentSucceeded:
		return r.handleInvoicePaid(ctx, evt)

	case external.EventPaymentIntentSucceeded:
		// Entitlement changes are driven exclusively by subscription and
		// invoice events; acting here too would double-process the same
		// business fact from two streams.
		return nil

	case external.EventSubscriptionCreated, external.EventSubscriptionUpdated:
		sub, err := external.ParseSubscription(evt.Data.Object)
		if err != nil {
			return err
		}
		return r.applySubscription(ctx, evt, sub)

	case external.EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, evt)

	default:
		r.logger.DebugContext(ctx, "ignoring webhook event",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
		)
		return nil
	}
}

// handleInvoicePaid acts only on invoices that reference a subscription, and
// re-fetches that subscription fresh from the processor rather than trusting
// possibly stale invoice data.
func (r *Router) handleInvoicePaid(ctx context.Context, evt *Event) error {
	var invoice invoicePayload
	if err := json.Unmarshal(evt.Data.Object, &invoice); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to decode invoice object",
			err,
		)
	}

	if invoice.Subscription == "" {
		r.logger.DebugContext(ctx, "invoice without subscription reference ignored",
			slog.String("event_id", evt.ID),
			slog.String("invoice_id", invoice.ID),
		)
		return nil
	}

	sub, err := r.payments.GetSubscription(ctx, invoice.Subscription)
	if err != nil {
		return fmt.Errorf("refetching subscription %s: %w", invoice.Subscription, err)
	}

	return r.applySubscription(ctx, evt, sub)
}

// handleSubscriptionDeleted forces the terminal state: inactive, no access,
// free plan. Deletion bypasses the status mapper.
func (r *Router) handleSubscriptionDeleted(ctx context.Context, evt *Event) error {
	sub, err := external.ParseSubscription(evt.Data.Object)
	if err != nil {
		return err
	}

	userID, err := r.resolveUser(ctx, evt, sub)
	if err != nil || userID == "" {
		return err
	}

	eventTime := evt.Time()
	rawStatus := sub.Status
	if rawStatus == "" {
		rawStatus = types.SubStatusCanceled
	}

	if err := r.store.Deactivate(ctx, userID, rawStatus, eventTime); err != nil {
		return &PersistenceFailure{
			Record: &types.EntitlementRecord{
				UserID:               userID,
				StripeCustomerID:     sub.CustomerID,
				StripeSubscriptionID: sub.ID,
				RawStatus:            rawStatus,
				DisplayStatus:        types.DisplayInactive,
				AccessGranted:        false,
				Plan:                 types.PlanFree,
				LastEventAt:          eventTime,
			},
			Err: err,
		}
	}

	r.logger.InfoContext(ctx, "entitlement deactivated",
		slog.String("event_id", evt.ID),
		slog.String("user_id", userID),
		slog.String("subscription_id", sub.ID),
	)
	return nil
}

// applySubscription derives the entitlement record from a subscription object
// and upserts it.
func (r *Router) applySubscription(ctx context.Context, evt *Event, sub *external.SubscriptionInfo) error {
	userID, err := r.resolveUser(ctx, evt, sub)
	if err != nil || userID == "" {
		return err
	}

	mapping := MapStatus(sub.Status, r.billing.IsPremiumPrice(sub.PriceID))

	plan := mapping.Plan
	if mapping.RetainPlan {
		plan = r.storedPlan(ctx, userID)
		r.logger.WarnContext(ctx, "unknown subscription status; access revoked, plan retained",
			slog.String("event_id", evt.ID),
			slog.String("user_id", userID),
			slog.String("raw_status", string(sub.Status)),
		)
	}

	record := &types.EntitlementRecord{
		UserID:               userID,
		StripeCustomerID:     sub.CustomerID,
		StripeSubscriptionID: sub.ID,
		PriceID:              sub.PriceID,
		RawStatus:            sub.Status,
		DisplayStatus:        mapping.Display,
		AccessGranted:        mapping.AccessGranted,
		Plan:                 plan,
		BillingInterval:      sub.Interval,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		LastEventAt:          evt.Time(),
	}

	if err := r.store.Upsert(ctx, record); err != nil {
		return &PersistenceFailure{Record: record, Err: err}
	}

	r.logger.InfoContext(ctx, "entitlement reconciled",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("user_id", userID),
		slog.String("raw_status", string(sub.Status)),
		slog.String("display_status", string(mapping.Display)),
		slog.Bool("access_granted", mapping.AccessGranted),
	)
	return nil
}

// resolveUser runs the resolution chain. An unresolvable event is logged with
// full context and dropped: the processor already got its ack, so there is
// nothing useful to retry. Returns ("", nil) for the dropped case.
func (r *Router) resolveUser(ctx context.Context, evt *Event, sub *external.SubscriptionInfo) (string, error) {
	userID, err := r.resolver.Resolve(ctx, EventRef{
		EventID:        evt.ID,
		EventType:      evt.Type,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Metadata:       sub.Metadata,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "dropping event with unresolvable user",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("customer_id", sub.CustomerID),
			slog.String("subscription_id", sub.ID),
			slog.Any("error", err),
		)
		return "", nil
	}
	return userID, nil
}

// storedPlan returns the user's current plan, defaulting to free when no row
// exists or the lookup fails.
func (r *Router) storedPlan(ctx context.Context, userID string) types.Plan {
	rec, err := r.store.GetByUserID(ctx, userID)
	if err != nil {
		return types.PlanFree
	}
	return rec.Plan
}
