// Package scheduler implements the background loops that drive opportunity
// alert emails and pitch reminders. Both loops poll Postgres on a fixed
// interval; all pending work is durable rows, so a restart loses nothing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quotebid/internal/notifications"
	"quotebid/internal/types"
)

// AlertBatchLimit caps how many due opportunities one poll cycle processes.
const AlertBatchLimit = 100

// AlertOpportunityRepo abstracts the opportunity operations the alert
// scheduler needs. Using an interface allows clean testing without database
// dependencies.
type AlertOpportunityRepo interface {
	// Get returns the opportunity by ID.
	Get(ctx context.Context, id string) (*types.Opportunity, error)
	// ScheduleEmail stamps email_scheduled_at and resets the send state.
	ScheduleEmail(ctx context.Context, id string, at time.Time) error
	// ListEmailDue returns opportunities whose alert email should go out now:
	// explicitly scheduled and due, or never scheduled and older than failSafeAge.
	ListEmailDue(ctx context.Context, now time.Time, failSafeAge time.Duration, limit int) ([]*types.Opportunity, error)
	// ClaimEmailAttempt atomically flips email_send_attempted from false to
	// true. Returns false when another worker already claimed the send.
	ClaimEmailAttempt(ctx context.Context, id string) (bool, error)
	// MarkEmailSent stamps email_sent_at once the fan-out has run.
	MarkEmailSent(ctx context.Context, id string, at time.Time) error
	// ListStuckAttempts returns opportunities claimed before cutoff whose
	// sent stamp never landed, usually a crash between claim and mark.
	ListStuckAttempts(ctx context.Context, cutoff time.Time, limit int) ([]*types.Opportunity, error)
}

// AlertUserRepo abstracts recipient selection.
type AlertUserRepo interface {
	// ListByIndustry returns active users matching the industry exactly.
	// An empty industry returns no users.
	ListByIndustry(ctx context.Context, industry string) ([]*types.User, error)
}

// AlertPublicationRepo abstracts publication lookup for email personalization.
type AlertPublicationRepo interface {
	Get(ctx context.Context, id string) (*types.Publication, error)
}

// AlertComposer builds the per-recipient alert email.
type AlertComposer interface {
	OpportunityAlert(user *types.User, opp *types.Opportunity, pub *types.Publication) (types.SendInput, error)
}

// AlertFanOut delivers a batch of emails with per-recipient isolation.
type AlertFanOut interface {
	Deliver(ctx context.Context, inputs []types.SendInput) (notifications.DeliveryResult, error)
}

// CycleMetrics records poll cycle outcomes. Nil disables recording.
type CycleMetrics interface {
	ObserveCycle(loop string, duration time.Duration, failed bool)
}

// ReminderMetrics extends CycleMetrics with the suppression counter the
// reminder loop maintains.
type ReminderMetrics interface {
	CycleMetrics
	RecordReminderSuppressed(kind string)
}

// AlertSchedulerConfig holds the parameters for creating an AlertScheduler.
type AlertSchedulerConfig struct {
	Opportunities AlertOpportunityRepo
	Users         AlertUserRepo
	Publications  AlertPublicationRepo
	Composer      AlertComposer
	FanOut        AlertFanOut

	// PollInterval is the loop tick. Zero falls back to one minute.
	PollInterval time.Duration
	// SendImmediately dispatches the alert inline from ScheduleEmail instead
	// of waiting for the poll loop.
	SendImmediately bool
	// AlertDelay is how long after scheduling the alert becomes due.
	AlertDelay time.Duration
	// FailSafeAge is how old a never-scheduled opportunity must be before the
	// poll loop sends its alert anyway.
	FailSafeAge time.Duration

	Metrics CycleMetrics
	Clock   types.Clock
	Logger  *slog.Logger
}

// AlertScheduler sends the opportunity alert email exactly once per
// opportunity. The email_send_attempted flag is claimed in the database
// before any provider call, so concurrent workers and crash-restart cycles
// can never double-send.
type AlertScheduler struct {
	opportunities AlertOpportunityRepo
	users         AlertUserRepo
	publications  AlertPublicationRepo
	composer      AlertComposer
	fanout        AlertFanOut

	pollInterval    time.Duration
	sendImmediately bool
	alertDelay      time.Duration
	failSafeAge     time.Duration

	metrics CycleMetrics
	clock   types.Clock
	logger  *slog.Logger
}

// NewAlertScheduler creates an AlertScheduler from the given config.
func NewAlertScheduler(cfg AlertSchedulerConfig) *AlertScheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &AlertScheduler{
		opportunities:   cfg.Opportunities,
		users:           cfg.Users,
		publications:    cfg.Publications,
		composer:        cfg.Composer,
		fanout:          cfg.FanOut,
		pollInterval:    pollInterval,
		sendImmediately: cfg.SendImmediately,
		alertDelay:      cfg.AlertDelay,
		failSafeAge:     cfg.FailSafeAge,
		metrics:         cfg.Metrics,
		clock:           clock,
		logger:          logger,
	}
}

// ScheduleEmail records when the alert email for the opportunity should go
// out. In immediate mode the email is dispatched inline; otherwise the poll
// loop picks it up once the delay elapses. Re-scheduling resets the row's
// send state and arms a fresh attempt, even for an opportunity whose email
// already went out; the attempt barrier keeps each armed send at most once.
func (s *AlertScheduler) ScheduleEmail(ctx context.Context, opportunityID string) error {
	now := s.clock.Now()

	if s.sendImmediately || s.alertDelay <= 0 {
		if err := s.opportunities.ScheduleEmail(ctx, opportunityID, now); err != nil {
			return err
		}
		opp, err := s.opportunities.Get(ctx, opportunityID)
		if err != nil {
			return err
		}
		return s.dispatch(ctx, opp)
	}

	sendAt := now.Add(s.alertDelay)
	if err := s.opportunities.ScheduleEmail(ctx, opportunityID, sendAt); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "opportunity alert scheduled",
		"opportunity_id", opportunityID,
		"send_at", sendAt,
	)
	return nil
}

// Run executes the poll loop until the context is canceled. The first cycle
// runs immediately so a restart drains overdue work without waiting a tick.
func (s *AlertScheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "alert scheduler started",
		"poll_interval", s.pollInterval,
		"fail_safe_age", s.failSafeAge,
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		n, err := s.RunCycle(ctx)
		if s.metrics != nil {
			s.metrics.ObserveCycle("alerts", time.Since(start), err != nil)
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "alert poll cycle failed", "error", err)
		} else if n > 0 {
			s.logger.InfoContext(ctx, "alert poll cycle complete", "dispatched", n)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "alert scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle processes one batch of due opportunities and returns how many
// alerts were dispatched. Exposed for tests and operational tooling.
func (s *AlertScheduler) RunCycle(ctx context.Context) (int, error) {
	now := s.clock.Now()

	due, err := s.opportunities.ListEmailDue(ctx, now, s.failSafeAge, AlertBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing due alert emails: %w", err)
	}

	dispatched := 0
	for _, opp := range due {
		if err := s.dispatch(ctx, opp); err != nil {
			s.logger.ErrorContext(ctx, "failed to dispatch opportunity alert",
				"opportunity_id", opp.ID,
				"error", err,
			)
			// Continue with the rest of the batch; a claimed-but-unsent row
			// surfaces through the stuck-attempt report.
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// ListStuckAttempts reports opportunities whose alert send was claimed but
// never stamped sent. Emails may or may not have reached the provider before
// the crash, so these rows are surfaced for operator review rather than
// retried automatically.
func (s *AlertScheduler) ListStuckAttempts(ctx context.Context) ([]*types.Opportunity, error) {
	cutoff := s.clock.Now().Add(-s.failSafeAge)
	return s.opportunities.ListStuckAttempts(ctx, cutoff, AlertBatchLimit)
}

// dispatch sends the alert for one opportunity. The claim write happens
// before any recipient lookup or provider call; losing the claim means
// another worker owns this send and dispatch is a no-op.
func (s *AlertScheduler) dispatch(ctx context.Context, opp *types.Opportunity) error {
	claimed, err := s.opportunities.ClaimEmailAttempt(ctx, opp.ID)
	if err != nil {
		return fmt.Errorf("claiming email attempt: %w", err)
	}
	if !claimed {
		return nil
	}

	recipients, err := s.users.ListByIndustry(ctx, opp.Industry)
	if err != nil {
		return fmt.Errorf("listing recipients: %w", err)
	}

	// Zero matching users is a successful send of zero emails, not a retry.
	if len(recipients) > 0 {
		pub, err := s.publications.Get(ctx, opp.PublicationID)
		if err != nil {
			return fmt.Errorf("loading publication: %w", err)
		}

		inputs := make([]types.SendInput, 0, len(recipients))
		for _, user := range recipients {
			input, err := s.composer.OpportunityAlert(user, opp, pub)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to compose alert email",
					"opportunity_id", opp.ID,
					"user_id", user.ID,
					"error", err,
				)
				continue
			}
			inputs = append(inputs, input)
		}

		result, err := s.fanout.Deliver(ctx, inputs)
		if err != nil {
			return fmt.Errorf("delivering alert emails: %w", err)
		}

		s.logger.InfoContext(ctx, "opportunity alert fan-out complete",
			"opportunity_id", opp.ID,
			"recipients", len(inputs),
			"delivered", result.Delivered,
			"failed", result.Failed,
		)
	} else {
		s.logger.InfoContext(ctx, "opportunity alert has no matching recipients",
			"opportunity_id", opp.ID,
			"industry", opp.Industry,
		)
	}

	if err := s.opportunities.MarkEmailSent(ctx, opp.ID, s.clock.Now()); err != nil {
		return fmt.Errorf("marking email sent: %w", err)
	}
	return nil
}
