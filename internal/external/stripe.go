package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quotebid/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// CustomerLookup provides the minimal data access needed by StripeClient to
// persist resolved Stripe customer IDs. This avoids pulling in the full
// UserRepository interface.
type CustomerLookup interface {
	// UpdateStripeCustomerID sets the stripe_customer_id for the given user.
	UpdateStripeCustomerID(ctx context.Context, userID string, customerID string) error
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements PaymentProcessor by making direct HTTP calls to the
// Stripe REST API through BaseClient. This routes all requests through the
// shared resilience infrastructure (circuit breaker, retries, error mapping)
// and makes testing with httptest straightforward.
type StripeClient struct {
	base       *BaseClient
	secretKey  string
	baseURL    string
	userLookup CustomerLookup
	logger     *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// be around 20 seconds; captures can be slow when Stripe is degraded.
func NewStripeClient(
	httpClient *http.Client,
	userLookup CustomerLookup,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"QuoteBid/1.0",
	)

	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userLookup: userLookup,
		logger:     logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration (e.g., disable retries).
func NewStripeClientWithBase(
	base *BaseClient,
	userLookup CustomerLookup,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userLookup: userLookup,
		logger:     logger,
	}
}

// ---------------------------------------------------------------------------
// PaymentProcessor Implementation
// ---------------------------------------------------------------------------

// EnsureCustomer retrieves or creates a Stripe customer for the given user.
// Uses search-first logic to prevent duplicates:
//  1. Query the Stripe Search API for a metadata['user_id'] match
//  2. If found, return the existing customer ID
//  3. If not found, create a new customer with user_id metadata
//  4. Update the local DB with the customer ID
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	// Step 1: Search for an existing customer by user_id metadata.
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

	// Step 2: If the customer already exists, update the DB and return.
	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		if dbErr := s.userLookup.UpdateStripeCustomerID(ctx, userID, customerID); dbErr != nil {
			s.logger.WarnContext(ctx, "failed to update stripe_customer_id in DB",
				"user_id", userID,
				"customer_id", customerID,
				"error", dbErr,
			)
		}
		return customerID, nil
	}

	// Step 3: Create a new customer.
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

	// Step 4: Update the local DB.
	if dbErr := s.userLookup.UpdateStripeCustomerID(ctx, userID, customer.ID); dbErr != nil {
		s.logger.WarnContext(ctx, "failed to update stripe_customer_id in DB after creation",
			"user_id", userID,
			"customer_id", customer.ID,
			"error", dbErr,
		)
	}

	return customer.ID, nil
}

// Capture charges the customer's default saved payment method for amountCents
// by creating an immediately-confirmed off-session PaymentIntent. The
// placement ID rides along as metadata so webhook events can be correlated
// back to the placement row.
func (s *StripeClient) Capture(ctx context.Context, customerID string, amountCents int64, placementID string) (types.ChargeResult, error) {
	params := url.Values{}
	params.Set("amount", strconv.FormatInt(amountCents, 10))
	params.Set("currency", "usd")
	params.Set("customer", customerID)
	params.Set("confirm", "true")
	params.Set("off_session", "true")
	params.Set("metadata[placement_id]", placementID)
	params.Set("expand[]", "latest_charge")

	resp, err := s.doPost(ctx, "/v1/payment_intents", params)
	if err != nil {
		return types.ChargeResult{}, s.wrapStripeError("Capture", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ChargeResult{}, s.handleErrorResponse(resp, "Capture")
	}

	var intent stripePaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return types.ChargeResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe payment intent response",
			err,
		)
	}

	// A 200 with a non-succeeded status means the payment requires action or
	// was blocked; treat it as declined so the placement goes to error state.
	if intent.Status != "succeeded" {
		return types.ChargeResult{}, types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("Capture: payment intent %s finished in status %q", intent.ID, intent.Status),
			nil,
			map[string]any{"payment_intent_id": intent.ID, "status": intent.Status},
		)
	}

	result := types.ChargeResult{PaymentIntentID: intent.ID}
	if intent.LatestCharge != nil {
		result.ChargeID = intent.LatestCharge.ID
	}
	return result, nil
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

// doPost performs an authenticated POST request to the Stripe API with form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, string(body)),
			nil,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe API error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	// Card declines surface with their original Stripe message so operators
	// can see the verbatim decline reason on the placement.
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
			types.ErrCodeNotFoundUser,
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
// Stripe API Response Types
// ---------------------------------------------------------------------------

type stripeSearchResult struct {
	Data []stripeCustomer `json:"data"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripePaymentIntent struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Amount       int64         `json:"amount"`
	LatestCharge *stripeCharge `json:"latest_charge"`
}

type stripeCharge struct {
	ID string `json:"id"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret. Uses stripe-go's ValidatePayload which checks both
// the HMAC signature and the timestamp tolerance.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
