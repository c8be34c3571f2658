// Package types defines the domain model shared across the ShopList
// entitlement service: the entitlement record, subscription status enums,
// the error taxonomy, and the retry-queue message envelope.
package types

import "time"

// SubscriptionStatus is the raw subscription status reported by the payment
// processor. It is a closed but extensible enum: unrecognized values from the
// processor are carried verbatim rather than rejected, so that new processor
// statuses degrade to "no access" instead of failing event processing.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// Known reports whether the status is one of the recognized processor values.
func (s SubscriptionStatus) Known() bool {
	switch s {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue,
		SubStatusIncomplete, SubStatusIncompleteExpired,
		SubStatusCanceled, SubStatusUnpaid:
		return true
	}
	return false
}

// ParseSubscriptionStatus converts a raw processor status string into the
// domain enum. Unknown values pass through verbatim (see SubscriptionStatus).
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	return SubscriptionStatus(raw)
}

// DisplayStatus is the simplified, user-facing entitlement status derived
// from the processor's raw status.
type DisplayStatus string

const (
	DisplayActive   DisplayStatus = "active"
	DisplayPastDue  DisplayStatus = "past_due"
	DisplayPending  DisplayStatus = "pending"
	DisplayInactive DisplayStatus = "inactive"
)

// Plan identifies the purchasable tier a user is on.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// BillingInterval is the length of a billing cycle.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// EntitlementRecord is the local record of what a user is allowed to access
// based on billing state. Exactly one record exists per user once any
// subscription action has occurred; absence implies the free-plan,
// access-denied defaults returned by DefaultEntitlement.
//
// AccessGranted is the single authoritative gate the rest of the app consults
// to allow premium features.
type EntitlementRecord struct {
	UserID               string             `json:"user_id"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	PriceID              string             `json:"price_id,omitempty"`
	RawStatus            SubscriptionStatus `json:"raw_status,omitempty"`
	DisplayStatus        DisplayStatus      `json:"display_status"`
	AccessGranted        bool               `json:"access_granted"`
	Plan                 Plan               `json:"plan"`
	BillingInterval      BillingInterval    `json:"billing_interval,omitempty"`
	CurrentPeriodStart   time.Time          `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`

	// LastEventAt is the timestamp of the processor event (or command) that
	// produced this state. The upserter rejects writes carrying an older
	// stamp than the stored one, so a stale webhook retry cannot overwrite
	// a newer state.
	LastEventAt time.Time `json:"last_event_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultEntitlement returns the implicit record for a user with no stored
// entitlement: free plan, no access, inactive.
func DefaultEntitlement(userID string) *EntitlementRecord {
	return &EntitlementRecord{
		UserID:        userID,
		DisplayStatus: DisplayInactive,
		AccessGranted: false,
		Plan:          PlanFree,
	}
}

// Identity is the resolved identity of the caller of a command or query.
// It is passed explicitly into every operation; there is no ambient
// "current user" lookup below the HTTP middleware layer.
type Identity struct {
	UserID string
	Email  string
	Source string // Origin of the request (e.g., "ios_app", "android_app").
}
