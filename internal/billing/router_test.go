package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoplist/internal/config"
	"shoplist/internal/external"
	"shoplist/internal/types"
)

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		PremiumMonthlyPriceID: "price_premium_monthly",
		PremiumYearlyPriceID:  "price_premium_yearly",
	}
}

func newTestRouter(store *mockStore, payments *mockPayments) *Router {
	resolver := NewUserResolver(store, payments, nil)
	return NewRouter(resolver, store, payments, testBillingConfig(), nil)
}

// subscriptionEvent builds a webhook event embedding a subscription object.
func subscriptionEvent(eventType, status string, metadata map[string]string) *Event {
	object := map[string]any{
		"id":                   "sub_123",
		"customer":             "cus_123",
		"status":               status,
		"cancel_at_period_end": false,
		"current_period_start": 1735689600,
		"current_period_end":   1738368000,
		"metadata":             metadata,
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{
					"id":        "price_premium_monthly",
					"recurring": map[string]any{"interval": "month"},
				}},
			},
		},
	}
	raw, _ := json.Marshal(object)
	return &Event{
		ID:      "evt_1",
		Type:    eventType,
		Created: time.Now().Unix(),
		Data:    EventData{Object: raw},
	}
}

func TestParseEvent(t *testing.T) {
	evt, err := ParseEvent([]byte(`{"id":"evt_1","type":"customer.subscription.updated","created":1735689600,"data":{"object":{"id":"sub_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, external.EventSubscriptionUpdated, evt.Type)
	assert.Equal(t, int64(1735689600), evt.Time().Unix())

	_, err = ParseEvent([]byte(`{"id":"evt_1"}`))
	require.Error(t, err, "missing type must be rejected")

	_, err = ParseEvent([]byte(`not json`))
	require.Error(t, err)
}

// Scenario: new user completes checkout; invoice.payment_succeeded references
// a subscription whose metadata carries the user ID; no prior row exists.
func TestRouter_InvoicePaid_NewUser(t *testing.T) {
	store := &mockStore{}
	payments := &mockPayments{
		getSubscriptionFn: func(ctx context.Context, subscriptionID string) (*external.SubscriptionInfo, error) {
			assert.Equal(t, "sub_123", subscriptionID)
			return &external.SubscriptionInfo{
				ID:         "sub_123",
				CustomerID: "cus_123",
				Status:     types.SubStatusActive,
				PriceID:    "price_premium_monthly",
				Interval:   types.IntervalMonth,
				Metadata:   map[string]string{"user_id": "U1"},
			}, nil
		},
	}
	router := newTestRouter(store, payments)

	object, _ := json.Marshal(map[string]any{
		"id":           "in_1",
		"customer":     "cus_123",
		"subscription": "sub_123",
	})
	evt := &Event{
		ID:      "evt_1",
		Type:    external.EventInvoicePaymentSucceeded,
		Created: time.Now().Unix(),
		Data:    EventData{Object: object},
	}

	require.NoError(t, router.HandleEvent(context.Background(), evt))
	require.Len(t, store.upserted, 1)

	rec := store.upserted[0]
	assert.Equal(t, "U1", rec.UserID)
	assert.Equal(t, types.PlanPremium, rec.Plan)
	assert.Equal(t, types.DisplayActive, rec.DisplayStatus)
	assert.True(t, rec.AccessGranted)
	assert.Equal(t, []string{"GetSubscription"}, payments.calls,
		"subscription must be re-fetched fresh, not read from the invoice")
}

func TestRouter_InvoicePaid_NoSubscriptionReference(t *testing.T) {
	store := &mockStore{}
	payments := &mockPayments{}
	router := newTestRouter(store, payments)

	object, _ := json.Marshal(map[string]any{"id": "in_1", "customer": "cus_123"})
	evt := &Event{ID: "evt_1", Type: external.EventInvoicePaymentSucceeded, Data: EventData{Object: object}}

	require.NoError(t, router.HandleEvent(context.Background(), evt))
	assert.Empty(t, store.upserted)
	assert.Empty(t, payments.calls)
}

func TestRouter_PaymentIntentSucceeded_NoOp(t *testing.T) {
	store := &mockStore{}
	payments := &mockPayments{}
	router := newTestRouter(store, payments)

	evt := &Event{ID: "evt_1", Type: external.EventPaymentIntentSucceeded, Data: EventData{Object: []byte(`{}`)}}

	require.NoError(t, router.HandleEvent(context.Background(), evt))
	assert.Empty(t, store.upserted)
	assert.Empty(t, payments.calls)
}

// Scenario: existing premium user's subscription reports past_due. Access
// stays granted during the grace period.
func TestRouter_SubscriptionUpdated_PastDueGrace(t *testing.T) {
	store := &mockStore{
		getByCustomerIDFn: func(ctx context.Context, customerID string) (*types.EntitlementRecord, error) {
			return &types.EntitlementRecord{UserID: "U1", Plan: types.PlanPremium}, nil
		},
	}
	router := newTestRouter(store, &mockPayments{})

	evt := subscriptionEvent(external.EventSubscriptionUpdated, "past_due", nil)
	require.NoError(t, router.HandleEvent(context.Background(), evt))

	require.Len(t, store.upserted, 1)
	rec := store.upserted[0]
	assert.Equal(t, types.DisplayPastDue, rec.DisplayStatus)
	assert.True(t, rec.AccessGranted)
	assert.Equal(t, types.PlanPremium, rec.Plan)
}

// Idempotence: applying the same event twice derives the identical record.
func TestRouter_SubscriptionUpdated_Idempotent(t *testing.T) {
	store := &mockStore{}
	router := newTestRouter(store, &mockPayments{})

	evt := subscriptionEvent(external.EventSubscriptionUpdated, "active", map[string]string{"user_id": "U1"})
	require.NoError(t, router.HandleEvent(context.Background(), evt))
	require.NoError(t, router.HandleEvent(context.Background(), evt))

	require.Len(t, store.upserted, 2)
	assert.Equal(t, store.upserted[0], store.upserted[1])
}

// Scenario: subscription deleted is terminal regardless of prior state.
func TestRouter_SubscriptionDeleted(t *testing.T) {
	store := &mockStore{
		getByCustomerIDFn: func(ctx context.Context, customerID string) (*types.EntitlementRecord, error) {
			return &types.EntitlementRecord{UserID: "U1", Plan: types.PlanPremium, AccessGranted: true}, nil
		},
	}
	router := newTestRouter(store, &mockPayments{})

	evt := subscriptionEvent(external.EventSubscriptionDeleted, "canceled", nil)
	require.NoError(t, router.HandleEvent(context.Background(), evt))

	assert.Equal(t, []string{"U1"}, store.deactivated)
	assert.Empty(t, store.upserted)
}

// Scenario: cancel-at-period-end update converges with the command-layer
// fallback write: unchanged status, flag set.
func TestRouter_SubscriptionUpdated_CancelAtPeriodEnd(t *testing.T) {
	store := &mockStore{}
	router := newTestRouter(store, &mockPayments{})

	evt := subscriptionEvent(external.EventSubscriptionUpdated, "active", map[string]string{"user_id": "U1"})
	var object map[string]any
	json.Unmarshal(evt.Data.Object, &object)
	object["cancel_at_period_end"] = true
	evt.Data.Object, _ = json.Marshal(object)

	require.NoError(t, router.HandleEvent(context.Background(), evt))

	require.Len(t, store.upserted, 1)
	rec := store.upserted[0]
	assert.True(t, rec.CancelAtPeriodEnd)
	assert.True(t, rec.AccessGranted, "access stays granted until period end")
	assert.Equal(t, types.DisplayActive, rec.DisplayStatus)
}

func TestRouter_UnknownStatusRetainsStoredPlan(t *testing.T) {
	store := &mockStore{
		getByCustomerIDFn: func(ctx context.Context, customerID string) (*types.EntitlementRecord, error) {
			return &types.EntitlementRecord{UserID: "U1", Plan: types.PlanPremium}, nil
		},
		getByUserIDFn: func(ctx context.Context, userID string) (*types.EntitlementRecord, error) {
			return &types.EntitlementRecord{UserID: userID, Plan: types.PlanPremium}, nil
		},
	}
	router := newTestRouter(store, &mockPayments{})

	evt := subscriptionEvent(external.EventSubscriptionUpdated, "paused", nil)
	require.NoError(t, router.HandleEvent(context.Background(), evt))

	require.Len(t, store.upserted, 1)
	rec := store.upserted[0]
	assert.Equal(t, types.DisplayStatus("paused"), rec.DisplayStatus)
	assert.False(t, rec.AccessGranted)
	assert.Equal(t, types.PlanPremium, rec.Plan, "unknown status must not reassign the plan")
}

func TestRouter_UnresolvableEventDropped(t *testing.T) {
	store := &mockStore{}
	payments := &mockPayments{
		getCustomerFn: func(ctx context.Context, customerID string) (*external.CustomerInfo, error) {
			return &external.CustomerInfo{ID: customerID}, nil
		},
	}
	router := newTestRouter(store, payments)

	evt := subscriptionEvent(external.EventSubscriptionUpdated, "active", nil)
	require.NoError(t, router.HandleEvent(context.Background(), evt),
		"unresolvable events are dropped, not errored")
	assert.Empty(t, store.upserted)
}

func TestRouter_UnhandledEventTypeIgnored(t *testing.T) {
	store := &mockStore{}
	router := newTestRouter(store, &mockPayments{})

	evt := &Event{ID: "evt_1", Type: "charge.refunded", Data: EventData{Object: []byte(`{}`)}}
	require.NoError(t, router.HandleEvent(context.Background(), evt))
	assert.Empty(t, store.upserted)
}

func TestRouter_PersistenceFailureCarriesRecord(t *testing.T) {
	store := &mockStore{
		upsertFn: func(ctx context.Context, record *types.EntitlementRecord) error {
			return types.NewAppError(types.ErrCodeInternalDB, "db down", nil)
		},
	}
	router := newTestRouter(store, &mockPayments{})

	evt := subscriptionEvent(external.EventSubscriptionUpdated, "active", map[string]string{"user_id": "U1"})
	err := router.HandleEvent(context.Background(), evt)
	require.Error(t, err)

	var pf *PersistenceFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, "U1", pf.Record.UserID)
	assert.Equal(t, types.DisplayActive, pf.Record.DisplayStatus)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "wrapped cause must stay inspectable")
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestRouter_RefetchFailureSurfaces(t *testing.T) {
	store := &mockStore{}
	payments := &mockPayments{
		getSubscriptionFn: func(ctx context.Context, subscriptionID string) (*external.SubscriptionInfo, error) {
			return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "stripe down", nil)
		},
	}
	router := newTestRouter(store, payments)

	object, _ := json.Marshal(map[string]any{"id": "in_1", "customer": "cus_123", "subscription": "sub_123"})
	evt := &Event{ID: "evt_1", Type: external.EventInvoicePaymentSucceeded, Data: EventData{Object: object}}

	err := router.HandleEvent(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "sub_123")
	assert.Empty(t, store.upserted)
}
