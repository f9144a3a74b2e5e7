package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quotebid/internal/types"
)

// ReminderBatchLimit caps how many due reminders one poll cycle processes.
const ReminderBatchLimit = 200

// ReminderRepo abstracts the durable reminder rows.
type ReminderRepo interface {
	// Upsert creates the pending reminder or, if one already exists for the
	// same (user, kind, subject) key, replaces its due time.
	Upsert(ctx context.Context, rem *types.Reminder) error
	// Cancel marks the pending reminder canceled. Canceling a reminder that
	// does not exist is a no-op.
	Cancel(ctx context.Context, kind types.ReminderKind, userID, subjectID string, at time.Time) error
	// ListDue returns pending reminders whose due time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Reminder, error)
	// MarkFired atomically consumes the reminder. Returns false when another
	// worker already fired it.
	MarkFired(ctx context.Context, id string, at time.Time) (bool, error)
}

// ReminderPitchRepo abstracts the pitch lookups used for fire-time revalidation.
type ReminderPitchRepo interface {
	Get(ctx context.Context, id string) (*types.Pitch, error)
	// GetByUserAndOpportunity returns the user's pitch on the opportunity,
	// or a not-found error when they have none.
	GetByUserAndOpportunity(ctx context.Context, userID, opportunityID string) (*types.Pitch, error)
}

// ReminderOpportunityRepo abstracts opportunity lookup.
type ReminderOpportunityRepo interface {
	Get(ctx context.Context, id string) (*types.Opportunity, error)
}

// ReminderUserRepo abstracts recipient lookup.
type ReminderUserRepo interface {
	Get(ctx context.Context, id string) (*types.User, error)
}

// ReminderPublicationRepo abstracts publication lookup.
type ReminderPublicationRepo interface {
	Get(ctx context.Context, id string) (*types.Publication, error)
}

// ReminderComposer builds reminder email content.
type ReminderComposer interface {
	DraftReminder(user *types.User, opp *types.Opportunity, pub *types.Publication, pitchID string) (types.SendInput, error)
	SavedOpportunityReminder(user *types.User, opp *types.Opportunity, pub *types.Publication) (types.SendInput, error)
}

// ReminderSender transmits a single reminder email.
type ReminderSender interface {
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// ReminderSchedulerConfig holds the parameters for creating a ReminderScheduler.
type ReminderSchedulerConfig struct {
	Reminders     ReminderRepo
	Pitches       ReminderPitchRepo
	Opportunities ReminderOpportunityRepo
	Users         ReminderUserRepo
	Publications  ReminderPublicationRepo
	Composer      ReminderComposer
	Sender        ReminderSender

	// PollInterval is the loop tick. Zero falls back to one minute.
	PollInterval time.Duration
	// DraftWindow is how long after a draft is saved the draft-pitch
	// reminder fires.
	DraftWindow time.Duration
	// SavedWindow is how long after the user saves an opportunity the
	// saved-opportunity reminder fires.
	SavedWindow time.Duration

	Metrics ReminderMetrics
	Clock   types.Clock
	Logger  *slog.Logger
}

// ReminderScheduler manages deadline reminders as durable database rows.
// Scheduling the same (user, kind, subject) twice replaces the earlier due
// time rather than stacking a second reminder, and every reminder is
// revalidated against current state at fire time so stale reminders are
// suppressed instead of sent.
type ReminderScheduler struct {
	reminders     ReminderRepo
	pitches       ReminderPitchRepo
	opportunities ReminderOpportunityRepo
	users         ReminderUserRepo
	publications  ReminderPublicationRepo
	composer      ReminderComposer
	sender        ReminderSender

	pollInterval time.Duration
	draftWindow  time.Duration
	savedWindow  time.Duration

	metrics ReminderMetrics
	clock   types.Clock
	logger  *slog.Logger
}

// NewReminderScheduler creates a ReminderScheduler from the given config.
func NewReminderScheduler(cfg ReminderSchedulerConfig) *ReminderScheduler {
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
	return &ReminderScheduler{
		reminders:     cfg.Reminders,
		pitches:       cfg.Pitches,
		opportunities: cfg.Opportunities,
		users:         cfg.Users,
		publications:  cfg.Publications,
		composer:      cfg.Composer,
		sender:        cfg.Sender,
		pollInterval:  pollInterval,
		draftWindow:   cfg.DraftWindow,
		savedWindow:   cfg.SavedWindow,
		metrics:       cfg.Metrics,
		clock:         clock,
		logger:        logger,
	}
}

// ScheduleDraftReminder schedules (or reschedules) the unfinished-draft nudge
// for the pitch. The due time is the draft window measured from now, so
// re-saving the draft pushes the nudge out again.
func (s *ReminderScheduler) ScheduleDraftReminder(ctx context.Context, userID, pitchID, opportunityID string) error {
	return s.schedule(ctx, types.ReminderDraftPitch, userID, pitchID, opportunityID, s.clock.Now(), s.draftWindow)
}

// ScheduleSavedReminder schedules (or reschedules) the saved-opportunity
// nudge for the user, due one saved window from now.
func (s *ReminderScheduler) ScheduleSavedReminder(ctx context.Context, userID, opportunityID string) error {
	return s.schedule(ctx, types.ReminderSavedOpportunity, userID, opportunityID, opportunityID, s.clock.Now(), s.savedWindow)
}

// schedule upserts the reminder row with due = anchor + window, where anchor
// is the time of the triggering action. The due time never lands in the past;
// whether it lands after the opportunity deadline is left to fire-time
// revalidation to sort out.
func (s *ReminderScheduler) schedule(ctx context.Context, kind types.ReminderKind, userID, subjectID, opportunityID string, anchor time.Time, window time.Duration) error {
	opp, err := s.opportunities.Get(ctx, opportunityID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if !opp.IsOpen() || !opp.Deadline.After(now) {
		// Nothing to remind about; the window already closed.
		s.logger.InfoContext(ctx, "skipping reminder for closed opportunity",
			"kind", kind,
			"opportunity_id", opportunityID,
			"user_id", userID,
		)
		return nil
	}

	dueAt := anchor.Add(window)
	if dueAt.Before(now) {
		dueAt = now
	}

	rem := &types.Reminder{
		ID:            types.NewID(types.IDPrefixReminder),
		Kind:          kind,
		UserID:        userID,
		SubjectID:     subjectID,
		OpportunityID: opportunityID,
		DueAt:         dueAt,
	}
	if err := s.reminders.Upsert(ctx, rem); err != nil {
		return fmt.Errorf("upserting reminder: %w", err)
	}

	s.logger.InfoContext(ctx, "reminder scheduled",
		"kind", kind,
		"user_id", userID,
		"subject_id", subjectID,
		"due_at", dueAt,
	)
	return nil
}

// CancelDraftReminder removes the pending draft reminder for the pitch.
// Called when the draft is submitted or deleted.
func (s *ReminderScheduler) CancelDraftReminder(ctx context.Context, userID, pitchID string) error {
	return s.reminders.Cancel(ctx, types.ReminderDraftPitch, userID, pitchID, s.clock.Now())
}

// CancelSavedReminder removes the pending saved-opportunity reminder.
// Called when the user un-saves the opportunity or places a pitch.
func (s *ReminderScheduler) CancelSavedReminder(ctx context.Context, userID, opportunityID string) error {
	return s.reminders.Cancel(ctx, types.ReminderSavedOpportunity, userID, opportunityID, s.clock.Now())
}

// Run executes the poll loop until the context is canceled. The first cycle
// runs immediately so reminders that came due while the process was down
// fire right after startup.
func (s *ReminderScheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "reminder scheduler started",
		"poll_interval", s.pollInterval,
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		n, err := s.RunCycle(ctx)
		if s.metrics != nil {
			s.metrics.ObserveCycle("reminders", time.Since(start), err != nil)
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "reminder poll cycle failed", "error", err)
		} else if n > 0 {
			s.logger.InfoContext(ctx, "reminder poll cycle complete", "fired", n)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reminder scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle processes one batch of due reminders and returns how many emails
// were sent. Suppressed reminders are consumed without sending and do not
// count toward the total.
func (s *ReminderScheduler) RunCycle(ctx context.Context) (int, error) {
	now := s.clock.Now()

	due, err := s.reminders.ListDue(ctx, now, ReminderBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing due reminders: %w", err)
	}

	fired := 0
	for _, rem := range due {
		sent, err := s.fire(ctx, rem)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to fire reminder",
				"reminder_id", rem.ID,
				"kind", rem.Kind,
				"error", err,
			)
			continue
		}
		if sent {
			fired++
		}
	}
	return fired, nil
}

// fire consumes one due reminder: claim it, revalidate it against current
// state, and send the email only if it is still relevant. The claim happens
// before the send, so a crash mid-fire drops the reminder rather than
// duplicating it.
func (s *ReminderScheduler) fire(ctx context.Context, rem *types.Reminder) (bool, error) {
	claimed, err := s.reminders.MarkFired(ctx, rem.ID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("marking reminder fired: %w", err)
	}
	if !claimed {
		return false, nil
	}

	input, ok, err := s.revalidate(ctx, rem)
	if err != nil {
		return false, err
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordReminderSuppressed(string(rem.Kind))
		}
		s.logger.InfoContext(ctx, "reminder suppressed",
			"reminder_id", rem.ID,
			"kind", rem.Kind,
			"user_id", rem.UserID,
			"subject_id", rem.SubjectID,
		)
		return false, nil
	}

	if _, err := s.sender.Send(ctx, input); err != nil {
		return false, fmt.Errorf("sending reminder email: %w", err)
	}
	return true, nil
}

// revalidate checks that the reminder's premise still holds and, when it
// does, builds the email. Returns ok=false to suppress.
func (s *ReminderScheduler) revalidate(ctx context.Context, rem *types.Reminder) (types.SendInput, bool, error) {
	opp, err := s.opportunities.Get(ctx, rem.OpportunityID)
	if err != nil {
		if isNotFound(err) {
			return types.SendInput{}, false, nil
		}
		return types.SendInput{}, false, err
	}
	if !opp.IsOpen() || !opp.Deadline.After(s.clock.Now()) {
		return types.SendInput{}, false, nil
	}

	user, err := s.users.Get(ctx, rem.UserID)
	if err != nil {
		if isNotFound(err) {
			return types.SendInput{}, false, nil
		}
		return types.SendInput{}, false, err
	}

	switch rem.Kind {
	case types.ReminderDraftPitch:
		pitch, err := s.pitches.Get(ctx, rem.SubjectID)
		if err != nil {
			if isNotFound(err) {
				return types.SendInput{}, false, nil
			}
			return types.SendInput{}, false, err
		}
		// The draft must still be a draft and still belong to the recipient.
		if pitch.UserID != rem.UserID || !pitch.IsDraft() {
			return types.SendInput{}, false, nil
		}

		pub, err := s.publications.Get(ctx, opp.PublicationID)
		if err != nil {
			return types.SendInput{}, false, err
		}
		input, err := s.composer.DraftReminder(user, opp, pub, pitch.ID)
		if err != nil {
			return types.SendInput{}, false, err
		}
		return input, true, nil

	case types.ReminderSavedOpportunity:
		// Any existing pitch, draft or submitted, means the nudge is moot.
		_, err := s.pitches.GetByUserAndOpportunity(ctx, rem.UserID, rem.OpportunityID)
		if err == nil {
			return types.SendInput{}, false, nil
		}
		if !isNotFound(err) {
			return types.SendInput{}, false, err
		}

		pub, err := s.publications.Get(ctx, opp.PublicationID)
		if err != nil {
			return types.SendInput{}, false, err
		}
		input, err := s.composer.SavedOpportunityReminder(user, opp, pub)
		if err != nil {
			return types.SendInput{}, false, err
		}
		return input, true, nil

	default:
		return types.SendInput{}, false, fmt.Errorf("unknown reminder kind %q", rem.Kind)
	}
}

// isNotFound reports whether err is a domain not-found error.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return strings.HasPrefix(string(appErr.Code), "not_found_")
	}
	return false
}
