package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shoplist/internal/external"
	"shoplist/internal/types"
)

// ErrNoResolution is the sentinel a strategy returns when it cannot resolve
// the event's user. The resolver moves on to the next strategy; any other
// error is logged and treated the same way.
var ErrNoResolution = errors.New("no user resolution")

// EventRef carries the identifying fields of a processor event that the
// resolution strategies probe, without the full payload.
type EventRef struct {
	EventID        string
	EventType      string
	CustomerID     string
	SubscriptionID string

	// Metadata is the subscription-level metadata bag, when the event
	// carries a subscription object.
	Metadata map[string]string
}

// EntitlementStore is the narrow persistence surface the billing package
// needs. *db.EntitlementRepo satisfies it.
type EntitlementStore interface {
	Upsert(ctx context.Context, record *types.EntitlementRecord) error
	GetByUserID(ctx context.Context, userID string) (*types.EntitlementRecord, error)
	GetByCustomerID(ctx context.Context, customerID string) (*types.EntitlementRecord, error)
	Deactivate(ctx context.Context, userID string, rawStatus types.SubscriptionStatus, eventAt time.Time) error
}

// ResolverStrategy is one way of discovering which local user a processor
// event belongs to.
type ResolverStrategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Resolve returns the local user ID for the event, or ErrNoResolution.
	Resolve(ctx context.Context, ref EventRef) (string, error)
}

// UserResolver tries its strategies in order and stops at the first success.
// Strategies are independent: adding a new resolution path means adding a
// strategy, not threading conditionals through existing ones.
type UserResolver struct {
	strategies []ResolverStrategy
	logger     *slog.Logger
}

// NewUserResolver builds the standard resolution chain:
//  1. existing entitlement row by processor customer ID
//  2. user_id key in the event's subscription metadata
//  3. fetch the customer from the processor, read its user_id metadata
func NewUserResolver(store EntitlementStore, payments external.PaymentProvider, logger *slog.Logger) *UserResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserResolver{
		strategies: []ResolverStrategy{
			&customerRecordStrategy{store: store},
			&subscriptionMetadataStrategy{},
			&customerMetadataStrategy{payments: payments},
		},
		logger: logger,
	}
}

// NewUserResolverWithStrategies builds a resolver over an explicit strategy
// list. Used in tests and anywhere the standard chain doesn't apply.
func NewUserResolverWithStrategies(logger *slog.Logger, strategies ...ResolverStrategy) *UserResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserResolver{strategies: strategies, logger: logger}
}

// Resolve returns the local user ID owning the event. If every strategy
// fails, the event is unresolvable: the caller logs and drops it without
// mutating any record.
func (r *UserResolver) Resolve(ctx context.Context, ref EventRef) (string, error) {
	for _, strategy := range r.strategies {
		userID, err := strategy.Resolve(ctx, ref)
		if err == nil && userID != "" {
			return userID, nil
		}
		if err != nil && !errors.Is(err, ErrNoResolution) {
			// A strategy failing (e.g. processor API error) is not fatal;
			// the next strategy may still succeed.
			r.logger.WarnContext(ctx, "resolution strategy failed",
				slog.String("strategy", strategy.Name()),
				slog.String("event_id", ref.EventID),
				slog.Any("error", err),
			)
		}
	}

	return "", types.NewAppErrorWithDetails(
		types.ErrCodeUnresolvableUser,
		fmt.Sprintf("no strategy resolved a user for event %s", ref.EventID),
		nil,
		map[string]any{
			"event_type":      ref.EventType,
			"customer_id":     ref.CustomerID,
			"subscription_id": ref.SubscriptionID,
		},
	)
}

// customerRecordStrategy resolves through an existing entitlement row bound
// to the event's customer ID. This is the common case for every event after
// the first.
type customerRecordStrategy struct {
	store EntitlementStore
}

func (s *customerRecordStrategy) Name() string { return "customer_record" }

func (s *customerRecordStrategy) Resolve(ctx context.Context, ref EventRef) (string, error) {
	if ref.CustomerID == "" {
		return "", ErrNoResolution
	}

	rec, err := s.store.GetByCustomerID(ctx, ref.CustomerID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundEntitlement {
			return "", ErrNoResolution
		}
		return "", err
	}
	return rec.UserID, nil
}

// subscriptionMetadataStrategy reads the user_id key the command layer stamps
// into subscription metadata at creation time. This is how the very first
// event for a new subscriber resolves.
type subscriptionMetadataStrategy struct{}

func (s *subscriptionMetadataStrategy) Name() string { return "subscription_metadata" }

func (s *subscriptionMetadataStrategy) Resolve(_ context.Context, ref EventRef) (string, error) {
	if userID := ref.Metadata["user_id"]; userID != "" {
		return userID, nil
	}
	return "", ErrNoResolution
}

// customerMetadataStrategy fetches the customer object from the processor and
// reads its user_id metadata. Last resort: costs an API call.
type customerMetadataStrategy struct {
	payments external.PaymentProvider
}

func (s *customerMetadataStrategy) Name() string { return "customer_metadata" }

func (s *customerMetadataStrategy) Resolve(ctx context.Context, ref EventRef) (string, error) {
	if ref.CustomerID == "" {
		return "", ErrNoResolution
	}

	customer, err := s.payments.GetCustomer(ctx, ref.CustomerID)
	if err != nil {
		return "", err
	}
	if userID := customer.Metadata["user_id"]; userID != "" {
		return userID, nil
	}
	return "", ErrNoResolution
}
