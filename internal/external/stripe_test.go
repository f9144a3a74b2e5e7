package external

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quotebid/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// ---------------------------------------------------------------------------
// Mock CustomerLookup
// ---------------------------------------------------------------------------

type mockCustomerLookup struct {
	updateStripeCustomerFn func(ctx context.Context, userID string, customerID string) error
	updatedCustomerIDs     map[string]string
}

func (m *mockCustomerLookup) UpdateStripeCustomerID(ctx context.Context, userID string, customerID string) error {
	if m.updateStripeCustomerFn != nil {
		return m.updateStripeCustomerFn(ctx, userID, customerID)
	}
	if m.updatedCustomerIDs == nil {
		m.updatedCustomerIDs = make(map[string]string)
	}
	m.updatedCustomerIDs[userID] = customerID
	return nil
}

// newTestStripeClient creates a StripeClient pointed at the given httptest
// server with retries disabled for deterministic behavior.
func newTestStripeClient(t *testing.T, serverURL string, lookup CustomerLookup) *StripeClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-stripe",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"QuoteBid-Test/1.0",
		WithSleepFunc(noopSleep),
	)

	return NewStripeClientWithBase(base, lookup, StripeClientConfig{
		SecretKey: "sk_test_secret",
		BaseURL:   serverURL,
	})
}

// ---------------------------------------------------------------------------
// EnsureCustomer Tests
// ---------------------------------------------------------------------------

func TestEnsureCustomer_ExistingCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query().Get("query")
		if query != "metadata['user_id']:'usr_123'" {
			t.Errorf("unexpected search query: %s", query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "cus_existing", "email": "jane@example.com"},
			},
		})
	}))
	defer server.Close()

	lookup := &mockCustomerLookup{}
	client := newTestStripeClient(t, server.URL, lookup)

	customerID, err := client.EnsureCustomer(context.Background(), "usr_123", "jane@example.com")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if customerID != "cus_existing" {
		t.Errorf("expected cus_existing, got %s", customerID)
	}
	if lookup.updatedCustomerIDs["usr_123"] != "cus_existing" {
		t.Error("expected stripe_customer_id persisted for usr_123")
	}
}

func TestEnsureCustomer_CreatesNewCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		case "/v1/customers":
			r.ParseForm()
			if got := r.PostForm.Get("email"); got != "jane@example.com" {
				t.Errorf("unexpected email: %s", got)
			}
			if got := r.PostForm.Get("metadata[user_id]"); got != "usr_123" {
				t.Errorf("unexpected metadata: %s", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "cus_new", "email": "jane@example.com"})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	lookup := &mockCustomerLookup{}
	client := newTestStripeClient(t, server.URL, lookup)

	customerID, err := client.EnsureCustomer(context.Background(), "usr_123", "jane@example.com")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if customerID != "cus_new" {
		t.Errorf("expected cus_new, got %s", customerID)
	}
	if lookup.updatedCustomerIDs["usr_123"] != "cus_new" {
		t.Error("expected stripe_customer_id persisted after creation")
	}
}

func TestEnsureCustomer_DBUpdateFailure_StillReturnsCustomerID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "cus_existing"}},
		})
	}))
	defer server.Close()

	lookup := &mockCustomerLookup{
		updateStripeCustomerFn: func(ctx context.Context, userID, customerID string) error {
			return errors.New("db unavailable")
		},
	}
	client := newTestStripeClient(t, server.URL, lookup)

	customerID, err := client.EnsureCustomer(context.Background(), "usr_123", "jane@example.com")
	if err != nil {
		t.Fatalf("DB write failure should not fail EnsureCustomer, got: %v", err)
	}
	if customerID != "cus_existing" {
		t.Errorf("expected cus_existing, got %s", customerID)
	}
}

func TestEnsureCustomer_StripeSearchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "invalid_request_error", "message": "bad query"},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	_, err := client.EnsureCustomer(context.Background(), "usr_123", "jane@example.com")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamStripe, appErr.Code)
	}
}

// ---------------------------------------------------------------------------
// Capture Tests
// ---------------------------------------------------------------------------

func TestCapture_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		r.ParseForm()
		if got := r.PostForm.Get("amount"); got != "50000" {
			t.Errorf("unexpected amount: %s", got)
		}
		if got := r.PostForm.Get("customer"); got != "cus_123" {
			t.Errorf("unexpected customer: %s", got)
		}
		if got := r.PostForm.Get("confirm"); got != "true" {
			t.Errorf("expected confirm=true, got %s", got)
		}
		if got := r.PostForm.Get("off_session"); got != "true" {
			t.Errorf("expected off_session=true, got %s", got)
		}
		if got := r.PostForm.Get("metadata[placement_id]"); got != "pl_789" {
			t.Errorf("unexpected placement metadata: %s", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_abc",
			"status":        "succeeded",
			"amount":        50000,
			"latest_charge": map[string]any{"id": "ch_def"},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	result, err := client.Capture(context.Background(), "cus_123", 50000, "pl_789")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.PaymentIntentID != "pi_abc" {
		t.Errorf("expected pi_abc, got %s", result.PaymentIntentID)
	}
	if result.ChargeID != "ch_def" {
		t.Errorf("expected ch_def, got %s", result.ChargeID)
	}
}

func TestCapture_CardDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":         "card_error",
				"code":         "card_declined",
				"decline_code": "insufficient_funds",
				"message":      "Your card has insufficient funds.",
			},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	_, err := client.Capture(context.Background(), "cus_123", 50000, "pl_789")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodePaymentDeclined {
		t.Errorf("expected error code %s, got %s", types.ErrCodePaymentDeclined, appErr.Code)
	}
	if appErr.Details["decline_code"] != "insufficient_funds" {
		t.Errorf("expected decline_code detail, got %v", appErr.Details)
	}
}

func TestCapture_NonSucceededStatusIsDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pi_abc",
			"status": "requires_action",
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	_, err := client.Capture(context.Background(), "cus_123", 50000, "pl_789")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodePaymentDeclined {
		t.Errorf("expected error code %s, got %s", types.ErrCodePaymentDeclined, appErr.Code)
	}
}

func TestCapture_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "rate_limit_error", "message": "Too many requests"},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	_, err := client.Capture(context.Background(), "cus_123", 50000, "pl_789")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamRateLimited {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamRateLimited, appErr.Code)
	}
}

func TestStripeClient_AuthorizationHeader(t *testing.T) {
	var authHeader, versionHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		versionHeader = r.Header.Get("Stripe-Version")
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "cus_x"}}})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	_, err := client.EnsureCustomer(context.Background(), "usr_123", "jane@example.com")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if authHeader != "Bearer sk_test_secret" {
		t.Errorf("unexpected Authorization header: %s", authHeader)
	}
	if versionHeader == "" {
		t.Error("expected Stripe-Version header to be set")
	}
}

func TestStripeError_NonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL, &mockCustomerLookup{})

	_, err := client.Capture(context.Background(), "cus_123", 50000, "pl_789")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamStripe, appErr.Code)
	}
}

// ---------------------------------------------------------------------------
// StripeVerifier Tests
// ---------------------------------------------------------------------------

func TestStripeVerifier_ValidSignature(t *testing.T) {
	verifier := &StripeVerifier{}
	secret := "whsec_test_secret"
	payload := []byte(`{"id":"evt_test","type":"payment_intent.succeeded"}`)

	// Generate a valid signature using stripe-go's helper.
	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})

	err := verifier.Verify(payload, sp.Header, secret)
	if err != nil {
		t.Errorf("expected valid signature, got error: %v", err)
	}
}

func TestStripeVerifier_InvalidSignature(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test"}`)
	header := "t=1234567890,v1=badbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbad"

	err := verifier.Verify(payload, header, "whsec_test_secret")
	if err == nil {
		t.Error("expected error for invalid signature, got nil")
	}
}

func TestStripeVerifier_MissingHeader(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test"}`)

	err := verifier.Verify(payload, "", "whsec_test_secret")
	if err == nil {
		t.Error("expected error for missing signature header, got nil")
	}
}

func TestStripeVerifier_ExpiredTimestamp(t *testing.T) {
	verifier := &StripeVerifier{}
	secret := "whsec_test_secret"
	payload := []byte(`{"id":"evt_test"}`)

	oldTime := time.Now().Add(-10 * time.Minute)
	sig := stripe.ComputeSignature(oldTime, payload, secret)
	header := fmt.Sprintf("t=%d,v1=%s", oldTime.Unix(), hex.EncodeToString(sig))

	err := verifier.Verify(payload, header, secret)
	if err == nil {
		t.Error("expected error for expired timestamp, got nil")
	}
}
