package external

import (
	"context"
	"time"

	"shoplist/internal/types"
)

// PaymentProvider abstracts interactions with the payment processor (Stripe).
// Implementations translate between domain types and vendor-specific APIs.
type PaymentProvider interface {
	// EnsureCustomer retrieves or creates a payment customer for the given
	// user. Returns the customer ID. Uses search-first logic to prevent
	// duplicates; the caller persists the user -> customer mapping.
	EnsureCustomer(ctx context.Context, userID string, email string) (string, error)

	// CreateSubscription starts an incomplete subscription for the customer
	// at the given price. The returned SubscriptionInfo carries the payment
	// intent client secret the app needs to confirm payment.
	CreateSubscription(ctx context.Context, customerID string, priceID string, userID string) (*SubscriptionInfo, error)

	// CancelSubscription cancels the subscription, either immediately or at
	// the end of the current billing period.
	CancelSubscription(ctx context.Context, subscriptionID string, immediate bool) (*SubscriptionInfo, error)

	// GetSubscription fetches the current state of a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)

	// GetCustomer fetches a customer, including its metadata. Used as the
	// last-resort user resolution strategy for webhook events.
	GetCustomer(ctx context.Context, customerID string) (*CustomerInfo, error)
}

// SubscriptionInfo is the provider-neutral view of a subscription.
type SubscriptionInfo struct {
	ID                 string
	CustomerID         string
	Status             types.SubscriptionStatus
	PriceID            string
	Interval           types.BillingInterval
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Metadata           map[string]string

	// ClientSecret is only populated on CreateSubscription responses that
	// expand the latest invoice's payment intent.
	ClientSecret string
}

// CustomerInfo is the provider-neutral view of a payment customer.
type CustomerInfo struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// WebhookVerifier abstracts webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event type constants prevent magic strings in webhook handling.
const (
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventPaymentIntentSucceeded  = "payment_intent.succeeded"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)
