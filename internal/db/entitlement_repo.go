package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"shoplist/internal/types"
)

// subscriptionIDConstraint is the unique index on entitlements.stripe_subscription_id.
const subscriptionIDConstraint = "entitlements_stripe_subscription_id_key"

// EntitlementRepo manages the entitlements table: one row per user recording
// what billing state has granted them.
//
// Key invariants:
//   - Upsert is guarded by last_event_at: a write carrying an older event
//     stamp than the stored row is silently ignored, so stale or duplicate
//     webhook deliveries cannot overwrite newer state.
//   - A unique violation on stripe_subscription_id never fails the operation
//     and never produces a second row; it falls back to a targeted update of
//     the caller's row.
type EntitlementRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewEntitlementRepo creates a new EntitlementRepo backed by the given
// database connection (pool or transaction).
func NewEntitlementRepo(db DBTX, logger *slog.Logger) *EntitlementRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementRepo{db: db, logger: logger}
}

// entitlementColumns defines the standard set of columns selected for
// entitlement queries. Used consistently across all query methods to avoid
// column drift.
const entitlementColumns = `user_id, stripe_customer_id, stripe_subscription_id, price_id,
	raw_status, display_status, access_granted, plan, billing_interval,
	current_period_start, current_period_end, cancel_at_period_end,
	last_event_at, updated_at`

// scanEntitlement scans a single entitlement row into a types.EntitlementRecord.
// The columns must match the order defined in entitlementColumns. Uses nullable
// scan targets for columns that may be NULL in the database (billing_interval,
// current_period_start, current_period_end).
func scanEntitlement(row pgx.Row) (*types.EntitlementRecord, error) {
	var rec types.EntitlementRecord
	var (
		interval    *string
		periodStart *time.Time
		periodEnd   *time.Time
	)
	err := row.Scan(
		&rec.UserID,
		&rec.StripeCustomerID,
		&rec.StripeSubscriptionID,
		&rec.PriceID,
		&rec.RawStatus,
		&rec.DisplayStatus,
		&rec.AccessGranted,
		&rec.Plan,
		&interval,
		&periodStart,
		&periodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.LastEventAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if interval != nil {
		rec.BillingInterval = types.BillingInterval(*interval)
	}
	if periodStart != nil {
		rec.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		rec.CurrentPeriodEnd = *periodEnd
	}
	return &rec, nil
}

// nullableInterval converts an empty billing interval to NULL for storage.
func nullableInterval(i types.BillingInterval) *string {
	if i == "" {
		return nil
	}
	s := string(i)
	return &s
}

// nullableTime converts a zero time to NULL for storage.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Upsert inserts or updates the entitlement row for record.UserID.
//
// The write only lands if record.LastEventAt is at least as new as the stored
// row's last_event_at; an older stamp is an idempotent no-op (stale webhook
// retries and out-of-order deliveries resolve to the newest state). Applying
// the same event twice leaves the row unchanged.
func (r *EntitlementRepo) Upsert(ctx context.Context, record *types.EntitlementRecord) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO entitlements (
		     user_id, stripe_customer_id, stripe_subscription_id, price_id,
		     raw_status, display_status, access_granted, plan, billing_interval,
		     current_period_start, current_period_end, cancel_at_period_end,
		     last_event_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		     stripe_customer_id = EXCLUDED.stripe_customer_id,
		     stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		     price_id = EXCLUDED.price_id,
		     raw_status = EXCLUDED.raw_status,
		     display_status = EXCLUDED.display_status,
		     access_granted = EXCLUDED.access_granted,
		     plan = EXCLUDED.plan,
		     billing_interval = EXCLUDED.billing_interval,
		     current_period_start = EXCLUDED.current_period_start,
		     current_period_end = EXCLUDED.current_period_end,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     last_event_at = EXCLUDED.last_event_at,
		     updated_at = NOW()
		 WHERE entitlements.last_event_at <= EXCLUDED.last_event_at`,
		record.UserID,
		record.StripeCustomerID,
		record.StripeSubscriptionID,
		record.PriceID,
		record.RawStatus,
		record.DisplayStatus,
		record.AccessGranted,
		record.Plan,
		nullableInterval(record.BillingInterval),
		nullableTime(record.CurrentPeriodStart),
		nullableTime(record.CurrentPeriodEnd),
		record.CancelAtPeriodEnd,
		record.LastEventAt,
	)
	if err != nil {
		if isUniqueViolation(err, subscriptionIDConstraint) {
			return r.upsertWithoutSubscriptionID(ctx, record)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert entitlement", err)
	}

	if tag.RowsAffected() == 0 {
		// Stored row carries a newer event stamp -- idempotent no-op.
		r.logger.InfoContext(ctx, "stale entitlement write ignored",
			slog.String("user_id", record.UserID),
			slog.Time("event_at", record.LastEventAt),
		)
	}
	return nil
}

// upsertWithoutSubscriptionID handles the case where another user's row
// already holds record.StripeSubscriptionID. The caller's row is updated with
// everything except the conflicting subscription ID so the write is never
// lost and the table never gains a duplicate.
func (r *EntitlementRepo) upsertWithoutSubscriptionID(ctx context.Context, record *types.EntitlementRecord) error {
	r.logger.WarnContext(ctx, "subscription ID already bound to another entitlement",
		slog.String("user_id", record.UserID),
		slog.String("stripe_subscription_id", record.StripeSubscriptionID),
	)

	_, err := r.db.Exec(ctx,
		`UPDATE entitlements
		 SET stripe_customer_id = $2,
		     price_id = $3,
		     raw_status = $4,
		     display_status = $5,
		     access_granted = $6,
		     plan = $7,
		     billing_interval = $8,
		     current_period_start = $9,
		     current_period_end = $10,
		     cancel_at_period_end = $11,
		     last_event_at = $12,
		     updated_at = NOW()
		 WHERE user_id = $1
		   AND last_event_at <= $12`,
		record.UserID,
		record.StripeCustomerID,
		record.PriceID,
		record.RawStatus,
		record.DisplayStatus,
		record.AccessGranted,
		record.Plan,
		nullableInterval(record.BillingInterval),
		nullableTime(record.CurrentPeriodStart),
		nullableTime(record.CurrentPeriodEnd),
		record.CancelAtPeriodEnd,
		record.LastEventAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update entitlement after subscription conflict", err)
	}
	return nil
}

// GetByUserID retrieves the entitlement row for a user.
// Returns ErrCodeNotFoundEntitlement if no row exists.
func (r *EntitlementRepo) GetByUserID(ctx context.Context, userID string) (*types.EntitlementRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE user_id = $1`,
		userID,
	)

	rec, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve entitlement", err)
	}
	return rec, nil
}

// GetByCustomerID retrieves the entitlement row bound to a Stripe customer.
// This is the first resolution strategy for incoming webhook events.
// Returns ErrCodeNotFoundEntitlement if no row references the customer.
func (r *EntitlementRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.EntitlementRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE stripe_customer_id = $1`,
		customerID,
	)

	rec, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found for customer", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve entitlement by customer", err)
	}
	return rec, nil
}

// Deactivate drops a user to the free plan with access revoked, keeping the
// customer and subscription references for audit. Used for terminal
// subscription deletion. Subject to the same last_event_at guard as Upsert;
// a missing row is a no-op since absence already means no access.
func (r *EntitlementRepo) Deactivate(ctx context.Context, userID string, rawStatus types.SubscriptionStatus, eventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE entitlements
		 SET raw_status = $2,
		     display_status = $3,
		     access_granted = FALSE,
		     plan = $4,
		     cancel_at_period_end = FALSE,
		     last_event_at = $5,
		     updated_at = NOW()
		 WHERE user_id = $1
		   AND last_event_at <= $5`,
		userID,
		rawStatus,
		types.DisplayInactive,
		types.PlanFree,
		eventAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate entitlement", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "deactivate matched no row",
			slog.String("user_id", userID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}
