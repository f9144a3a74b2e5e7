package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quotebid/internal/types"
)

// newTestSendGridClient creates a SendGridClient pointed at the given httptest
// server with retries disabled for deterministic behavior.
func newTestSendGridClient(t *testing.T, serverURL string) *SendGridClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-sendgrid",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"QuoteBid-Test/1.0",
		WithSleepFunc(noopSleep),
	)

	return NewSendGridClientWithBase(base, SendGridClientConfig{
		APIKey:  "SG.test-key",
		BaseURL: serverURL,
	})
}

func testSendInput() types.SendInput {
	return types.SendInput{
		To:          "jane@example.com",
		From:        types.SenderIdentity{Name: "QuoteBid", Address: "alerts@quotebid.com"},
		Kind:        types.EmailOpportunityAlert,
		Subject:     "New opportunity at Bloomberg",
		BodyHTML:    "<p>A new opportunity is live.</p>",
		BodyText:    "A new opportunity is live.",
		ReferenceID: "opp_123",
	}
}

func TestSendGridSend_Success(t *testing.T) {
	var capturedAuth string
	var capturedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		capturedAuth = r.Header.Get("Authorization")
		capturedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Message-Id", "msg-abc-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	msgID, err := client.Send(context.Background(), testSendInput())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if msgID != "msg-abc-123" {
		t.Errorf("expected msg-abc-123, got %s", msgID)
	}
	if capturedAuth != "Bearer SG.test-key" {
		t.Errorf("unexpected Authorization header: %s", capturedAuth)
	}

	var payload map[string]any
	if err := json.Unmarshal(capturedBody, &payload); err != nil {
		t.Fatalf("failed to parse request body: %v", err)
	}
	if payload["subject"] != "New opportunity at Bloomberg" {
		t.Errorf("unexpected subject: %v", payload["subject"])
	}
}

func TestSendGridSend_PayloadStructure(t *testing.T) {
	var captured sendGridMailPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	_, err := client.Send(context.Background(), testSendInput())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(captured.Personalizations) != 1 || len(captured.Personalizations[0].To) != 1 {
		t.Fatalf("expected exactly one recipient, got %+v", captured.Personalizations)
	}
	if captured.Personalizations[0].To[0].Email != "jane@example.com" {
		t.Errorf("unexpected recipient: %s", captured.Personalizations[0].To[0].Email)
	}
	if captured.From.Email != "alerts@quotebid.com" {
		t.Errorf("unexpected sender: %s", captured.From.Email)
	}

	// text/plain must precede text/html.
	if len(captured.Content) != 2 {
		t.Fatalf("expected 2 content parts, got %d", len(captured.Content))
	}
	if captured.Content[0].Type != "text/plain" {
		t.Errorf("expected text/plain first, got %s", captured.Content[0].Type)
	}
	if captured.Content[1].Type != "text/html" {
		t.Errorf("expected text/html second, got %s", captured.Content[1].Type)
	}

	if captured.CustomArgs["reference_id"] != "opp_123" {
		t.Errorf("expected reference_id custom arg, got %v", captured.CustomArgs)
	}
	if captured.CustomArgs["email_kind"] != string(types.EmailOpportunityAlert) {
		t.Errorf("expected email_kind custom arg, got %v", captured.CustomArgs)
	}
}

func TestSendGridSend_NoReferenceID(t *testing.T) {
	var captured sendGridMailPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	input := testSendInput()
	input.ReferenceID = ""
	if _, err := client.Send(context.Background(), input); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if captured.CustomArgs != nil {
		t.Errorf("expected no custom args without reference ID, got %v", captured.CustomArgs)
	}
}

func TestSendGridSend_ForbiddenMapsToEmailBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{
				{"message": "The from address does not match a verified Sender Identity"},
			},
		})
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	_, err := client.Send(context.Background(), testSendInput())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeEmailBlocked {
		t.Errorf("expected error code %s, got %s", types.ErrCodeEmailBlocked, appErr.Code)
	}
}

func TestSendGridSend_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{
				{"message": "The subject is required", "field": "subject"},
			},
		})
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	_, err := client.Send(context.Background(), testSendInput())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamEmail {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamEmail, appErr.Code)
	}
}

func TestSendGridSend_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	_, err := client.Send(context.Background(), testSendInput())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}

func TestSendGridSend_NonJSONErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := newTestSendGridClient(t, server.URL)

	_, err := client.Send(context.Background(), testSendInput())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamEmail {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamEmail, appErr.Code)
	}
}
