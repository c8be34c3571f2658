package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shoplist/internal/config"
	"shoplist/internal/external"
	"shoplist/internal/types"
)

// StartSubscriptionResult is returned to the client after a subscription is
// created. The client secret is consumed out-of-band to confirm payment.
type StartSubscriptionResult struct {
	SubscriptionID string                   `json:"subscription_id"`
	ClientSecret   string                   `json:"client_secret"`
	Status         types.SubscriptionStatus `json:"status"`
}

// CancelSubscriptionResult is returned to the client after a cancellation.
type CancelSubscriptionResult struct {
	SubscriptionID    string                   `json:"subscription_id"`
	Status            types.SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time                `json:"current_period_end"`
}

// Service implements the synchronous subscription commands. Every operation
// takes the resolved caller identity explicitly; there is no ambient
// current-user lookup below the HTTP middleware.
//
// Commands write an optimistic local snapshot immediately and rely on the
// event router to reconcile the authoritative state when the corresponding
// webhook arrives.
type Service struct {
	store    EntitlementStore
	payments external.PaymentProvider
	billing  config.BillingConfig
	logger   *slog.Logger
	now      func() time.Time // injectable clock for tests
}

// NewService creates a billing command service.
func NewService(
	store EntitlementStore,
	payments external.PaymentProvider,
	billingCfg config.BillingConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		payments: payments,
		billing:  billingCfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartSubscription ensures a processor customer exists for the caller,
// creates a subscription in payment-not-yet-confirmed mode, writes the
// optimistic incomplete snapshot, and returns the client secret the app needs
// to complete payment.
func (s *Service) StartSubscription(ctx context.Context, identity types.Identity, priceID string) (*StartSubscriptionResult, error) {
	if !s.billing.IsPremiumPrice(priceID) {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPrice,
			"price does not match a purchasable tier",
			nil,
			map[string]any{"price_id": priceID},
		)
	}

	customerID, err := s.ensureCustomer(ctx, identity)
	if err != nil {
		return nil, err
	}

	sub, err := s.payments.CreateSubscription(ctx, customerID, priceID, identity.UserID)
	if err != nil {
		return nil, err
	}

	// Optimistic snapshot so the UI has something to show before the
	// webhook arrives. The event stamp is the command time; the webhook's
	// own stamp will supersede it.
	mapping := MapStatus(sub.Status, true)
	record := &types.EntitlementRecord{
		UserID:               identity.UserID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
		PriceID:              priceID,
		RawStatus:            sub.Status,
		DisplayStatus:        mapping.Display,
		AccessGranted:        mapping.AccessGranted,
		Plan:                 mapping.Plan,
		BillingInterval:      sub.Interval,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    false,
		LastEventAt:          s.now(),
	}
	if err := s.store.Upsert(ctx, record); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription started",
		slog.String("user_id", identity.UserID),
		slog.String("subscription_id", sub.ID),
		slog.String("price_id", priceID),
	)

	return &StartSubscriptionResult{
		SubscriptionID: sub.ID,
		ClientSecret:   sub.ClientSecret,
		Status:         sub.Status,
	}, nil
}

// CancelSubscription cancels the caller's subscription, either immediately or
// at period end. The ownership check runs against the stored entitlement
// before any processor call; a mismatched subscription ID is rejected with a
// permission error.
//
// After the processor confirms, the resulting flags are written directly as a
// fallback in case the corresponding webhook is delayed or lost. That write
// is best-effort: the cancellation has already happened upstream, so a local
// write failure is logged, not surfaced.
func (s *Service) CancelSubscription(ctx context.Context, identity types.Identity, subscriptionID string, immediate bool) (*CancelSubscriptionResult, error) {
	rec, err := s.store.GetByUserID(ctx, identity.UserID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundEntitlement {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundSubscription,
				"no subscription on record for caller",
				nil,
			)
		}
		return nil, err
	}

	if rec.StripeSubscriptionID == "" || rec.StripeSubscriptionID != subscriptionID {
		return nil, types.NewAppError(
			types.ErrCodePermissionSubMismatch,
			"subscription does not belong to caller",
			nil,
		)
	}

	sub, err := s.payments.CancelSubscription(ctx, subscriptionID, immediate)
	if err != nil {
		return nil, err
	}

	mapping := MapStatus(sub.Status, s.billing.IsPremiumPrice(sub.PriceID))
	plan := mapping.Plan
	if mapping.RetainPlan {
		plan = rec.Plan
	}

	updated := *rec
	updated.RawStatus = sub.Status
	updated.DisplayStatus = mapping.Display
	updated.AccessGranted = mapping.AccessGranted
	updated.Plan = plan
	updated.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if !sub.CurrentPeriodEnd.IsZero() {
		updated.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	updated.LastEventAt = s.now()

	if err := s.store.Upsert(ctx, &updated); err != nil {
		s.logger.WarnContext(ctx, "fallback write after cancellation failed; webhook will reconcile",
			slog.String("user_id", identity.UserID),
			slog.String("subscription_id", subscriptionID),
			slog.Any("error", err),
		)
	}

	s.logger.InfoContext(ctx, "subscription canceled",
		slog.String("user_id", identity.UserID),
		slog.String("subscription_id", subscriptionID),
		slog.Bool("immediate", immediate),
	)

	return &CancelSubscriptionResult{
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	}, nil
}

// GetEntitlement returns the caller's entitlement record, or the implicit
// free-plan default when none exists.
func (s *Service) GetEntitlement(ctx context.Context, identity types.Identity) (*types.EntitlementRecord, error) {
	rec, err := s.store.GetByUserID(ctx, identity.UserID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundEntitlement {
			return types.DefaultEntitlement(identity.UserID), nil
		}
		return nil, err
	}
	return rec, nil
}

// ensureCustomer returns the processor customer ID for the caller, preferring
// the one already on record over a processor-side search.
func (s *Service) ensureCustomer(ctx context.Context, identity types.Identity) (string, error) {
	rec, err := s.store.GetByUserID(ctx, identity.UserID)
	if err == nil && rec.StripeCustomerID != "" {
		return rec.StripeCustomerID, nil
	}
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundEntitlement {
			return "", err
		}
	}

	return s.payments.EnsureCustomer(ctx, identity.UserID, identity.Email)
}
