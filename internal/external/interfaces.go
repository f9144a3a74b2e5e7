package external

import (
	"context"

	"quotebid/internal/types"
)

// PaymentProcessor abstracts interactions with the payment provider (Stripe).
// Implementations translate between domain types and vendor-specific APIs.
type PaymentProcessor interface {
	// EnsureCustomer retrieves or creates a Stripe customer for the given user.
	// Returns the Stripe customer ID. Uses search-first logic to prevent duplicates.
	EnsureCustomer(ctx context.Context, userID string, email string) (string, error)

	// Capture charges the user's saved default payment method for amountCents.
	// The placement ID is attached as metadata for webhook correlation.
	Capture(ctx context.Context, customerID string, amountCents int64, placementID string) (types.ChargeResult, error)
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event type constants prevent magic strings in webhook handlers.
const (
	EventStripePaymentSucceeded = "payment_intent.succeeded"
	EventStripePaymentFailed    = "payment_intent.payment_failed"
)

// EmailProvider abstracts the email delivery service (SendGrid).
// Implementations transmit pre-rendered content (Subject, BodyHTML, BodyText).
type EmailProvider interface {
	// Send transmits an email with pre-rendered content.
	// Returns the provider's message ID for tracking and correlation.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}
