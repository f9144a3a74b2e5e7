// Package billing implements the placement billing workflow: a successful
// pitch becomes a placement, the placement is charged through the payment
// processor, and the expert is notified. Every state change lands in the
// database before or immediately after the corresponding side effect, so the
// workflow survives restarts at any step.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quotebid/internal/types"
)

// BillingPitchRepo abstracts the pitch operations the workflow needs.
type BillingPitchRepo interface {
	Get(ctx context.Context, id string) (*types.Pitch, error)
	// UpdateStatus transitions the pitch and stamps successful_at exactly
	// once when the new status is successful.
	UpdateStatus(ctx context.Context, id string, status types.PitchStatus, now time.Time) (*types.Pitch, error)
}

// BillingPlacementRepo abstracts the placement rows.
type BillingPlacementRepo interface {
	Create(ctx context.Context, p *types.Placement) error
	Get(ctx context.Context, id string) (*types.Placement, error)
	// GetByPaymentIntent resolves the processor correlation ID set by Capture.
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*types.Placement, error)
	// MarkPaid records the charge correlation IDs and clears any prior error.
	MarkPaid(ctx context.Context, id string, charge types.ChargeResult, chargedAt time.Time) error
	// MarkError records the processor's failure message verbatim.
	MarkError(ctx context.Context, id string, message string) error
	// MarkNotificationSent flips the one-way notification flag.
	MarkNotificationSent(ctx context.Context, id string) error
}

// BillingOpportunityRepo abstracts opportunity lookup and closure.
type BillingOpportunityRepo interface {
	Get(ctx context.Context, id string) (*types.Opportunity, error)
	// Close marks the opportunity closed and records the winning price.
	Close(ctx context.Context, id string, lastPrice int64, at time.Time) error
}

// BillingUserRepo abstracts expert lookup.
type BillingUserRepo interface {
	Get(ctx context.Context, id string) (*types.User, error)
}

// BillingPublicationRepo abstracts publication lookup for the notification.
type BillingPublicationRepo interface {
	Get(ctx context.Context, id string) (*types.Publication, error)
}

// PaymentProcessor is the payment surface the workflow charges through.
type PaymentProcessor interface {
	EnsureCustomer(ctx context.Context, userID string, email string) (string, error)
	Capture(ctx context.Context, customerID string, amountCents int64, placementID string) (types.ChargeResult, error)
}

// SuccessComposer builds the billing-success email.
type SuccessComposer interface {
	BillingSuccess(user *types.User, placement *types.Placement, pub *types.Publication) (types.SendInput, error)
}

// SuccessSender transmits the billing-success email.
type SuccessSender interface {
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// ChargeMetrics records charge outcomes. Nil disables recording.
type ChargeMetrics interface {
	RecordCharge(outcome string)
}

// ServiceConfig holds the collaborators for creating a billing Service.
type ServiceConfig struct {
	Pitches       BillingPitchRepo
	Placements    BillingPlacementRepo
	Opportunities BillingOpportunityRepo
	Users         BillingUserRepo
	Publications  BillingPublicationRepo
	Processor     PaymentProcessor
	Composer      SuccessComposer
	Sender        SuccessSender

	Metrics ChargeMetrics
	Clock   types.Clock
	Logger  *slog.Logger
}

// Service drives a placement through ready_for_billing, paid and error.
type Service struct {
	pitches       BillingPitchRepo
	placements    BillingPlacementRepo
	opportunities BillingOpportunityRepo
	users         BillingUserRepo
	publications  BillingPublicationRepo
	processor     PaymentProcessor
	composer      SuccessComposer
	sender        SuccessSender

	metrics ChargeMetrics
	clock   types.Clock
	logger  *slog.Logger
}

// NewService creates a billing Service from the given config.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{
		pitches:       cfg.Pitches,
		placements:    cfg.Placements,
		opportunities: cfg.Opportunities,
		users:         cfg.Users,
		publications:  cfg.Publications,
		processor:     cfg.Processor,
		composer:      cfg.Composer,
		sender:        cfg.Sender,
		metrics:       cfg.Metrics,
		clock:         clock,
		logger:        logger,
	}
}

// MarkPitchSuccessfulInput carries the editorial details accompanying a
// successful pitch.
type MarkPitchSuccessfulInput struct {
	ArticleTitle string
	ArticleURL   string
}

// MarkPitchSuccessful transitions the pitch to successful, creates the
// placement in ready_for_billing, and closes the opportunity at the winning
// price. The billed amount is the pitch's bid; a pitch without a recorded
// bid falls back to the opportunity's minimum bid.
func (s *Service) MarkPitchSuccessful(ctx context.Context, pitchID string, input MarkPitchSuccessfulInput) (*types.Placement, error) {
	pitch, err := s.pitches.Get(ctx, pitchID)
	if err != nil {
		return nil, err
	}

	opp, err := s.opportunities.Get(ctx, pitch.OpportunityID)
	if err != nil {
		return nil, err
	}
	if opp.PublicationID == "" {
		return nil, types.NewAppError(
			types.ErrCodePreconditionNoPublication,
			fmt.Sprintf("opportunity %s has no publication; cannot create placement", opp.ID),
			nil,
		)
	}

	now := s.clock.Now()
	pitch, err = s.pitches.UpdateStatus(ctx, pitchID, types.PitchSuccessful, now)
	if err != nil {
		return nil, err
	}

	amount := pitch.BidAmount
	if amount <= 0 {
		amount = opp.MinimumBid
	}

	placement := &types.Placement{
		ID:            types.NewID(types.IDPrefixPlacement),
		PitchID:       pitch.ID,
		UserID:        pitch.UserID,
		OpportunityID: opp.ID,
		PublicationID: opp.PublicationID,
		ArticleTitle:  input.ArticleTitle,
		ArticleURL:    input.ArticleURL,
		Amount:        amount,
		Status:        types.PlacementReadyForBilling,
	}
	if err := s.placements.Create(ctx, placement); err != nil {
		return nil, err
	}

	if err := s.opportunities.Close(ctx, opp.ID, amount, now); err != nil {
		// The placement exists; closure is retried by operators, not rolled back.
		s.logger.ErrorContext(ctx, "failed to close opportunity after placement",
			"opportunity_id", opp.ID,
			"placement_id", placement.ID,
			"error", err,
		)
	}

	s.logger.InfoContext(ctx, "placement created",
		"placement_id", placement.ID,
		"pitch_id", pitch.ID,
		"user_id", pitch.UserID,
		"amount_cents", amount,
	)
	return placement, nil
}

// Bill charges the placement's expert. Already-paid placements are rejected
// rather than double-charged, and a placement in the error state only
// re-enters billing through RetryBilling. A processor failure moves the
// placement to the error state with the processor's message preserved
// verbatim for operators.
func (s *Service) Bill(ctx context.Context, placementID string) (*types.Placement, error) {
	placement, err := s.placements.Get(ctx, placementID)
	if err != nil {
		return nil, err
	}

	switch placement.Status {
	case types.PlacementPaid:
		return nil, types.NewAppError(
			types.ErrCodeConflictAlreadyPaid,
			fmt.Sprintf("placement %s is already paid", placementID),
			nil,
		)
	case types.PlacementReadyForBilling:
		// Billable.
	default:
		return nil, types.NewAppError(
			types.ErrCodeConflictNotBillable,
			fmt.Sprintf("placement %s is not billable in status %q", placementID, placement.Status),
			nil,
		)
	}

	return s.charge(ctx, placement)
}

// charge runs the capture for a billable placement, records the outcome, and
// on success makes the first notification attempt.
func (s *Service) charge(ctx context.Context, placement *types.Placement) (*types.Placement, error) {
	user, err := s.users.Get(ctx, placement.UserID)
	if err != nil {
		return nil, err
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = s.processor.EnsureCustomer(ctx, user.ID, user.Email)
		if err != nil {
			// No customer means no saved payment method; this is an operator
			// precondition failure, not a decline.
			return nil, types.NewAppError(
				types.ErrCodePreconditionNoCustomer,
				fmt.Sprintf("user %s has no payment customer: %v", user.ID, err),
				err,
			)
		}
	}

	charge, err := s.processor.Capture(ctx, customerID, placement.Amount, placement.ID)
	if err != nil {
		s.recordCharge(chargeOutcome(err))
		if markErr := s.placements.MarkError(ctx, placement.ID, err.Error()); markErr != nil {
			s.logger.ErrorContext(ctx, "failed to record billing error",
				"placement_id", placement.ID,
				"error", markErr,
			)
		}
		s.logger.ErrorContext(ctx, "placement billing failed",
			"placement_id", placement.ID,
			"user_id", placement.UserID,
			"amount_cents", placement.Amount,
			"error", err,
		)
		return nil, err
	}

	if err := s.placements.MarkPaid(ctx, placement.ID, charge, s.clock.Now()); err != nil {
		return nil, err
	}
	s.recordCharge("paid")

	s.logger.InfoContext(ctx, "placement billed",
		"placement_id", placement.ID,
		"user_id", placement.UserID,
		"amount_cents", placement.Amount,
		"payment_intent_id", charge.PaymentIntentID,
	)

	if err := s.Notify(ctx, placement.ID); err != nil {
		// The payment is settled; the notify endpoint retries the email.
		s.logger.ErrorContext(ctx, "billing-success notification failed",
			"placement_id", placement.ID,
			"error", err,
		)
	}

	return s.placements.Get(ctx, placement.ID)
}

// RetryBilling re-runs the charge for a placement that previously failed.
// Only the error state is retryable; everything else is a conflict.
func (s *Service) RetryBilling(ctx context.Context, placementID string) (*types.Placement, error) {
	placement, err := s.placements.Get(ctx, placementID)
	if err != nil {
		return nil, err
	}
	if placement.Status != types.PlacementError {
		return nil, types.NewAppError(
			types.ErrCodeConflictNotRetryable,
			fmt.Sprintf("placement %s is not retryable in status %q", placementID, placement.Status),
			nil,
		)
	}
	return s.charge(ctx, placement)
}

// Notify sends the billing-success email for a paid placement. Billing makes
// the first attempt itself; this is the retry path. The notification flag is
// one-way; calling Notify twice sends one email.
func (s *Service) Notify(ctx context.Context, placementID string) error {
	placement, err := s.placements.Get(ctx, placementID)
	if err != nil {
		return err
	}
	if placement.Status != types.PlacementPaid {
		return types.NewAppError(
			types.ErrCodeConflictNotBillable,
			fmt.Sprintf("placement %s is not paid; nothing to notify", placementID),
			nil,
		)
	}
	if placement.NotificationSent {
		return nil
	}

	user, err := s.users.Get(ctx, placement.UserID)
	if err != nil {
		return err
	}
	pub, err := s.publications.Get(ctx, placement.PublicationID)
	if err != nil {
		return err
	}

	input, err := s.composer.BillingSuccess(user, placement, pub)
	if err != nil {
		return err
	}
	if _, err := s.sender.Send(ctx, input); err != nil {
		return err
	}

	if err := s.placements.MarkNotificationSent(ctx, placement.ID); err != nil {
		// The email went out; a failed flag write risks one duplicate, which
		// the notification tolerates.
		s.logger.ErrorContext(ctx, "failed to mark notification sent",
			"placement_id", placement.ID,
			"error", err,
		)
	}
	return nil
}

// ReconcilePaymentEvent applies a payment-processor webhook event to the
// placement correlated by payment intent. Unknown intents are ignored so
// replayed or foreign events cannot corrupt state.
func (s *Service) ReconcilePaymentEvent(ctx context.Context, paymentIntentID string, succeeded bool, failureMessage string) error {
	placement, err := s.placements.GetByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		if isNotFound(err) {
			s.logger.InfoContext(ctx, "ignoring payment event for unknown intent",
				"payment_intent_id", paymentIntentID,
			)
			return nil
		}
		return err
	}

	if succeeded {
		if placement.Status == types.PlacementPaid {
			return nil
		}
		charge := types.ChargeResult{PaymentIntentID: paymentIntentID, ChargeID: placement.ChargeID}
		return s.placements.MarkPaid(ctx, placement.ID, charge, s.clock.Now())
	}

	if placement.Status == types.PlacementPaid {
		// A failure event after local success means our view is stale or the
		// event is out of order; keep the paid state and flag it.
		s.logger.WarnContext(ctx, "payment failure event for placement already paid",
			"placement_id", placement.ID,
			"payment_intent_id", paymentIntentID,
		)
		return nil
	}
	return s.placements.MarkError(ctx, placement.ID, failureMessage)
}

// recordCharge emits the charge-outcome metric when a collector is wired.
func (s *Service) recordCharge(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordCharge(outcome)
	}
}

// chargeOutcome classifies a capture failure for the metrics label.
func chargeOutcome(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodePaymentDeclined {
		return "declined"
	}
	return "error"
}

// isNotFound reports whether err is a domain not-found error.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return strings.HasPrefix(string(appErr.Code), "not_found_")
	}
	return false
}
