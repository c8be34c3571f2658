package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"shoplist/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements PaymentProvider by making direct HTTP calls to the
// Stripe REST API through BaseClient. This routes all requests through the
// shared resilience infrastructure (circuit breaker, retries, error mapping)
// and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// match the configured Stripe call deadline.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"ShopList/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// EnsureCustomer retrieves or creates a Stripe customer for the given user.
// Uses search-first logic to prevent duplicate customers:
//  1. Query the Stripe Search API for a metadata['user_id'] match
//  2. If found, return the existing customer ID
//  3. If not found, create a new customer tagged with user_id metadata
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['user_id']:'%s'", userID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		return searchResult.Data[0].ID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[user_id]", userID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	s.logger.InfoContext(ctx, "created Stripe customer",
		slog.String("user_id", userID),
		slog.String("customer_id", customer.ID),
	)

	return customer.ID, nil
}

// CreateSubscription starts a subscription in payment_behavior=default_incomplete
// mode so the app can collect payment via the returned client secret. The
// latest invoice's payment intent is expanded in the same round trip.
func (s *StripeClient) CreateSubscription(ctx context.Context, customerID string, priceID string, userID string) (*SubscriptionInfo, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("items[0][price]", priceID)
	params.Set("payment_behavior", "default_incomplete")
	params.Set("payment_settings[save_default_payment_method]", "on_subscription")
	params.Set("metadata[user_id]", userID)
	params.Add("expand[]", "latest_invoice.payment_intent")

	resp, err := s.doPost(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription creation response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// CancelSubscription cancels the subscription. immediate=true deletes it
// outright; otherwise the subscription runs to the end of the current period.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, immediate bool) (*SubscriptionInfo, error) {
	var resp *http.Response
	var err error

	if immediate {
		resp, err = s.doDelete(ctx, "/v1/subscriptions/"+subscriptionID)
	} else {
		params := url.Values{}
		params.Set("cancel_at_period_end", "true")
		resp, err = s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params)
	}
	if err != nil {
		return nil, s.wrapStripeError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CancelSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription cancel response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// GetSubscription fetches the current state of a subscription. Used by the
// event router to re-fetch fresh state on invoice.payment_succeeded instead
// of trusting a possibly stale event payload.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// GetCustomer fetches a customer, including its metadata.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*CustomerInfo, error) {
	resp, err := s.doGet(ctx, "/v1/customers/"+customerID, nil)
	if err != nil {
		return nil, s.wrapStripeError("GetCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response",
			err,
		)
	}

	return &CustomerInfo{
		ID:       customer.ID,
		Email:    customer.Email,
		Metadata: customer.Metadata,
	}, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doDelete performs an authenticated DELETE request to the Stripe API.
func (s *StripeClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Customer           string                  `json:"customer"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Metadata           map[string]string       `json:"metadata"`
	Items              stripeSubscriptionItems `json:"items"`
	LatestInvoice      *stripeInvoiceExpanded  `json:"latest_invoice"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID        string           `json:"id"`
	Recurring *stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

type stripeInvoiceExpanded struct {
	ID            string               `json:"id"`
	PaymentIntent *stripePaymentIntent `json:"payment_intent"`
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// ParseSubscription decodes a subscription object as embedded in webhook
// payloads into the provider-neutral SubscriptionInfo.
func ParseSubscription(raw []byte) (*SubscriptionInfo, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to decode subscription object",
			err,
		)
	}
	return mapStripeSubscription(&sub), nil
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

// mapStripeSubscription converts a Stripe subscription to the provider-neutral
// SubscriptionInfo.
func mapStripeSubscription(sub *stripeSubscription) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                sub.ID,
		CustomerID:        sub.Customer,
		Status:            types.ParseSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}

	if sub.CurrentPeriodStart > 0 {
		info.CurrentPeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		info.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}

	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		info.PriceID = price.ID
		if price.Recurring != nil {
			info.Interval = types.BillingInterval(price.Recurring.Interval)
		}
	}

	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		info.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}

	return info
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

// Compile-time assertions.
var (
	_ PaymentProvider = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
