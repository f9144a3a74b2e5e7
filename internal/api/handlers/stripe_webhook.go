// This file implements the Stripe webhook endpoint.
//
// The handler is NOT behind admin auth -- it is called directly by Stripe.
// Security is provided by verifying the Stripe-Signature header against the
// webhook signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"quotebid/internal/core"
	"quotebid/internal/external"
	"quotebid/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Payment intent
// events are typically a few kilobytes; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// PaymentReconciler applies a processor-reported payment outcome to the
// placement that owns the payment intent.
type PaymentReconciler interface {
	ReconcilePaymentEvent(ctx context.Context, paymentIntentID string, succeeded bool, failureMessage string) error
}

// stripeWebhookEvent is the envelope Stripe posts to the webhook endpoint.
// Only the fields this handler routes on are decoded.
type stripeWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// stripePaymentIntent is the subset of the payment_intent object the
// reconciliation path needs.
type stripePaymentIntent struct {
	ID               string `json:"id"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// StripeWebhookHandler ingests asynchronous payment events from Stripe and
// reconciles placements whose synchronous capture result was lost.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	reconciler PaymentReconciler
	secret     string
	logger     *slog.Logger
}

func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler PaymentReconciler,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint. The path is on the
// admin-auth exemption list; the signature check below is its authentication.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events: read the raw body, verify
// the Stripe-Signature header, parse the event, and route by event type.
// Processing failures after a verified signature are logged but still
// acknowledged with 200 so Stripe does not retry indefinitely.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthKeyMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthKeyInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		// Return 200 anyway. The signature was valid and the event was
		// received; retrying the same event would fail the same way, and the
		// error is logged for investigation.
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches the event by type. Unhandled event types are
// acknowledged and ignored.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case external.EventStripePaymentSucceeded:
		return h.handlePaymentOutcome(ctx, event, true)

	case external.EventStripePaymentFailed:
		return h.handlePaymentOutcome(ctx, event, false)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handlePaymentOutcome extracts the payment intent from the event and hands
// the outcome to the reconciler. Payment intents with no matching placement
// are ignored by the reconciler.
func (h *StripeWebhookHandler) handlePaymentOutcome(ctx context.Context, event *stripeWebhookEvent, succeeded bool) error {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"invalid payment_intent object in event "+event.ID,
			err,
		)
	}
	if intent.ID == "" {
		return types.NewAppError(
			types.ErrCodeValidationMissingField,
			"payment_intent object in event "+event.ID+" has no id",
			nil,
		)
	}

	failureMessage := ""
	if !succeeded {
		failureMessage = "payment failed"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
			failureMessage = intent.LastPaymentError.Message
		}
	}

	return h.reconciler.ReconcilePaymentEvent(ctx, intent.ID, succeeded, failureMessage)
}
