package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quotebid/internal/types"
)

var remNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// --- Mocks ---

type reminderKey struct {
	kind      types.ReminderKind
	userID    string
	subjectID string
}

type mockReminderRepo struct {
	mu sync.Mutex

	// pending mirrors the partial-unique-index semantics: one row per key.
	pending map[reminderKey]*types.Reminder

	canceled []reminderKey
	fired    map[string]bool

	upsertErr error
	listErr   error
}

func newMockReminderRepo() *mockReminderRepo {
	return &mockReminderRepo{
		pending: make(map[reminderKey]*types.Reminder),
		fired:   make(map[string]bool),
	}
}

func (m *mockReminderRepo) Upsert(_ context.Context, rem *types.Reminder) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{rem.Kind, rem.UserID, rem.SubjectID}
	if existing, ok := m.pending[key]; ok {
		existing.DueAt = rem.DueAt
		existing.OpportunityID = rem.OpportunityID
		return nil
	}
	cp := *rem
	m.pending[key] = &cp
	return nil
}

func (m *mockReminderRepo) Cancel(_ context.Context, kind types.ReminderKind, userID, subjectID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{kind, userID, subjectID}
	m.canceled = append(m.canceled, key)
	delete(m.pending, key)
	return nil
}

func (m *mockReminderRepo) ListDue(_ context.Context, now time.Time, _ int) ([]*types.Reminder, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*types.Reminder
	for _, rem := range m.pending {
		if !rem.DueAt.After(now) && !m.fired[rem.ID] {
			due = append(due, rem)
		}
	}
	return due, nil
}

func (m *mockReminderRepo) MarkFired(_ context.Context, id string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired[id] {
		return false, nil
	}
	m.fired[id] = true
	return true, nil
}

func (m *mockReminderRepo) pendingFor(kind types.ReminderKind, userID, subjectID string) *types.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[reminderKey{kind, userID, subjectID}]
}

type mockReminderPitchRepo struct {
	pitches map[string]*types.Pitch // by ID
	byUser  map[string]*types.Pitch // by userID+"/"+oppID
}

func (m *mockReminderPitchRepo) Get(_ context.Context, id string) (*types.Pitch, error) {
	p, ok := m.pitches[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPitch, "pitch not found", nil)
	}
	return p, nil
}

func (m *mockReminderPitchRepo) GetByUserAndOpportunity(_ context.Context, userID, oppID string) (*types.Pitch, error) {
	p, ok := m.byUser[userID+"/"+oppID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPitch, "pitch not found", nil)
	}
	return p, nil
}

type mockReminderSender struct {
	mu   sync.Mutex
	sent []types.SendInput
	err  error
}

func (m *mockReminderSender) Send(_ context.Context, input types.SendInput) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, input)
	return "msg_1", nil
}

// --- Fixture ---

// stepClock is a clock the test can move forward between calls.
type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

type reminderFixture struct {
	reminders *mockReminderRepo
	pitches   *mockReminderPitchRepo
	opps      *mockAlertOppRepo
	sender    *mockReminderSender
	clock     *stepClock
	scheduler *ReminderScheduler
}

func newReminderFixture(t *testing.T) *reminderFixture {
	t.Helper()

	reminders := newMockReminderRepo()
	pitches := &mockReminderPitchRepo{
		pitches: make(map[string]*types.Pitch),
		byUser:  make(map[string]*types.Pitch),
	}
	opps := newMockAlertOppRepo()
	opps.opps["opp_1"] = &types.Opportunity{
		ID:            "opp_1",
		PublicationID: "pub_1",
		Title:         "Experts on rate cuts",
		Industry:      "fintech",
		Status:        types.OpportunityOpen,
		Deadline:      remNow.Add(48 * time.Hour),
	}
	sender := &mockReminderSender{}

	users := map[string]*types.User{
		"user_1": {ID: "user_1", Email: "a@x.com", FullName: "Jane Doe"},
	}

	clock := &stepClock{now: remNow}
	s := NewReminderScheduler(ReminderSchedulerConfig{
		Reminders:     reminders,
		Pitches:       pitches,
		Opportunities: opps,
		Users:         mockReminderUserRepo(users),
		Publications: &mockAlertPubRepo{pubs: map[string]*types.Publication{
			"pub_1": {ID: "pub_1", Name: "Bloomberg"},
		}},
		Composer:     &mockReminderComposer{},
		Sender:       sender,
		PollInterval: time.Minute,
		DraftWindow:  30 * time.Minute,
		SavedWindow:  6 * time.Hour,
		Clock:        clock,
	})

	return &reminderFixture{
		reminders: reminders,
		pitches:   pitches,
		opps:      opps,
		sender:    sender,
		clock:     clock,
		scheduler: s,
	}
}

type mockReminderUserRepo map[string]*types.User

func (m mockReminderUserRepo) Get(_ context.Context, id string) (*types.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return u, nil
}

type mockReminderComposer struct{}

func (m *mockReminderComposer) DraftReminder(user *types.User, opp *types.Opportunity, _ *types.Publication, pitchID string) (types.SendInput, error) {
	return types.SendInput{To: user.Email, Kind: types.EmailDraftReminder, ReferenceID: pitchID}, nil
}

func (m *mockReminderComposer) SavedOpportunityReminder(user *types.User, opp *types.Opportunity, _ *types.Publication) (types.SendInput, error) {
	return types.SendInput{To: user.Email, Kind: types.EmailSavedReminder, ReferenceID: opp.ID}, nil
}

// --- Scheduling ---

func TestScheduleDraftReminder_DueOneWindowAfterSave(t *testing.T) {
	f := newReminderFixture(t)

	if err := f.scheduler.ScheduleDraftReminder(context.Background(), "user_1", "pitch_1", "opp_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rem := f.reminders.pendingFor(types.ReminderDraftPitch, "user_1", "pitch_1")
	if rem == nil {
		t.Fatal("expected a pending reminder")
	}
	// The nudge follows the save by one draft window; the 48h deadline has
	// no bearing on when it fires.
	want := remNow.Add(30 * time.Minute)
	if !rem.DueAt.Equal(want) {
		t.Errorf("expected due_at %v, got %v", want, rem.DueAt)
	}
}

func TestScheduleDraftReminder_ReplacesExisting(t *testing.T) {
	f := newReminderFixture(t)
	ctx := context.Background()

	if err := f.scheduler.ScheduleDraftReminder(ctx, "user_1", "pitch_1", "opp_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A later save re-anchors the reminder; it must replace, not stack.
	f.clock.now = remNow.Add(time.Hour)
	if err := f.scheduler.ScheduleDraftReminder(ctx, "user_1", "pitch_1", "opp_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len(f.reminders.pending); n != 1 {
		t.Fatalf("expected exactly one pending reminder, got %d", n)
	}
	rem := f.reminders.pendingFor(types.ReminderDraftPitch, "user_1", "pitch_1")
	want := remNow.Add(time.Hour + 30*time.Minute)
	if !rem.DueAt.Equal(want) {
		t.Errorf("expected replaced due_at %v, got %v", want, rem.DueAt)
	}
}

func TestScheduleSavedReminder_DueOneWindowAfterSave(t *testing.T) {
	f := newReminderFixture(t)
	f.opps.opps["opp_1"].Deadline = remNow.Add(2 * time.Hour) // before the reminder comes due

	if err := f.scheduler.ScheduleSavedReminder(context.Background(), "user_1", "opp_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rem := f.reminders.pendingFor(types.ReminderSavedOpportunity, "user_1", "opp_1")
	if rem == nil {
		t.Fatal("expected a pending reminder")
	}
	// The due time is anchor + window even when that lands past the
	// deadline; revalidation suppresses it at fire time.
	want := remNow.Add(6 * time.Hour)
	if !rem.DueAt.Equal(want) {
		t.Errorf("expected due_at %v, got %v", want, rem.DueAt)
	}
}

func TestSchedule_SkipsClosedOpportunity(t *testing.T) {
	f := newReminderFixture(t)
	f.opps.opps["opp_1"].Status = types.OpportunityClosed

	if err := f.scheduler.ScheduleDraftReminder(context.Background(), "user_1", "pitch_1", "opp_1"); err != nil {
		t.Fatalf("closed opportunity should be a no-op, got: %v", err)
	}
	if len(f.reminders.pending) != 0 {
		t.Error("expected no reminder for a closed opportunity")
	}
}

func TestSchedule_SkipsPastDeadline(t *testing.T) {
	f := newReminderFixture(t)
	f.opps.opps["opp_1"].Deadline = remNow.Add(-time.Hour)

	if err := f.scheduler.ScheduleDraftReminder(context.Background(), "user_1", "pitch_1", "opp_1"); err != nil {
		t.Fatalf("past deadline should be a no-op, got: %v", err)
	}
	if len(f.reminders.pending) != 0 {
		t.Error("expected no reminder past the deadline")
	}
}

func TestCancelDraftReminder(t *testing.T) {
	f := newReminderFixture(t)
	ctx := context.Background()

	f.scheduler.ScheduleDraftReminder(ctx, "user_1", "pitch_1", "opp_1")
	if err := f.scheduler.CancelDraftReminder(ctx, "user_1", "pitch_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.reminders.pending) != 0 {
		t.Error("expected the reminder to be canceled")
	}
}

func TestCancel_MissingReminderIsNoOp(t *testing.T) {
	f := newReminderFixture(t)
	if err := f.scheduler.CancelSavedReminder(context.Background(), "user_1", "opp_1"); err != nil {
		t.Fatalf("canceling nothing should be a no-op, got: %v", err)
	}
}

// --- Firing ---

func dueDraftReminder(f *reminderFixture, pitch *types.Pitch) {
	f.pitches.pitches[pitch.ID] = pitch
	f.reminders.pending[reminderKey{types.ReminderDraftPitch, pitch.UserID, pitch.ID}] = &types.Reminder{
		ID:            "rem_1",
		Kind:          types.ReminderDraftPitch,
		UserID:        pitch.UserID,
		SubjectID:     pitch.ID,
		OpportunityID: pitch.OpportunityID,
		DueAt:         remNow.Add(-time.Minute),
	}
}

func TestRunCycle_FiresDraftReminder(t *testing.T) {
	f := newReminderFixture(t)
	dueDraftReminder(f, &types.Pitch{
		ID: "pitch_1", UserID: "user_1", OpportunityID: "opp_1",
		Status: types.PitchDraft,
	})

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 fired, got %d", n)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].Kind != types.EmailDraftReminder {
		t.Errorf("unexpected sends: %+v", f.sender.sent)
	}
}

func TestRunCycle_SuppressesSubmittedDraft(t *testing.T) {
	f := newReminderFixture(t)
	dueDraftReminder(f, &types.Pitch{
		ID: "pitch_1", UserID: "user_1", OpportunityID: "opp_1",
		Status: types.PitchPending, // submitted after the reminder was set
	})

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 fired, got %d", n)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("submitted draft must suppress the reminder, sent: %+v", f.sender.sent)
	}
	// The reminder is consumed either way; it must not fire again.
	if !f.reminders.fired["rem_1"] {
		t.Error("expected suppressed reminder to be consumed")
	}
}

func TestRunCycle_SuppressesDeletedPitch(t *testing.T) {
	f := newReminderFixture(t)
	f.reminders.pending[reminderKey{types.ReminderDraftPitch, "user_1", "pitch_gone"}] = &types.Reminder{
		ID: "rem_1", Kind: types.ReminderDraftPitch,
		UserID: "user_1", SubjectID: "pitch_gone", OpportunityID: "opp_1",
		DueAt: remNow.Add(-time.Minute),
	}

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(f.sender.sent) != 0 {
		t.Errorf("deleted pitch must suppress, fired=%d sent=%d", n, len(f.sender.sent))
	}
}

func TestRunCycle_SuppressesReassignedDraft(t *testing.T) {
	f := newReminderFixture(t)
	dueDraftReminder(f, &types.Pitch{
		ID: "pitch_1", UserID: "user_other", OpportunityID: "opp_1",
		Status: types.PitchDraft,
	})
	// Reminder belongs to user_1 but the pitch no longer does.
	f.reminders.pending[reminderKey{types.ReminderDraftPitch, "user_other", "pitch_1"}].UserID = "user_1"

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(f.sender.sent) != 0 {
		t.Errorf("ownership mismatch must suppress, fired=%d sent=%d", n, len(f.sender.sent))
	}
}

func TestRunCycle_FiresSavedReminder(t *testing.T) {
	f := newReminderFixture(t)
	f.reminders.pending[reminderKey{types.ReminderSavedOpportunity, "user_1", "opp_1"}] = &types.Reminder{
		ID: "rem_1", Kind: types.ReminderSavedOpportunity,
		UserID: "user_1", SubjectID: "opp_1", OpportunityID: "opp_1",
		DueAt: remNow.Add(-time.Minute),
	}

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 fired, got %d", n)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].Kind != types.EmailSavedReminder {
		t.Errorf("unexpected sends: %+v", f.sender.sent)
	}
}

func TestRunCycle_SuppressesSavedReminderWhenPitched(t *testing.T) {
	f := newReminderFixture(t)
	f.pitches.byUser["user_1/opp_1"] = &types.Pitch{ID: "pitch_1", UserID: "user_1", OpportunityID: "opp_1", Status: types.PitchPending}
	f.reminders.pending[reminderKey{types.ReminderSavedOpportunity, "user_1", "opp_1"}] = &types.Reminder{
		ID: "rem_1", Kind: types.ReminderSavedOpportunity,
		UserID: "user_1", SubjectID: "opp_1", OpportunityID: "opp_1",
		DueAt: remNow.Add(-time.Minute),
	}

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(f.sender.sent) != 0 {
		t.Errorf("existing pitch must suppress the saved reminder, fired=%d sent=%d", n, len(f.sender.sent))
	}
}

func TestRunCycle_SuppressesWhenOpportunityClosed(t *testing.T) {
	f := newReminderFixture(t)
	f.opps.opps["opp_1"].Status = types.OpportunityClosed
	dueDraftReminder(f, &types.Pitch{
		ID: "pitch_1", UserID: "user_1", OpportunityID: "opp_1",
		Status: types.PitchDraft,
	})

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(f.sender.sent) != 0 {
		t.Errorf("closed opportunity must suppress, fired=%d sent=%d", n, len(f.sender.sent))
	}
}

func TestRunCycle_AlreadyFiredReminderSkipped(t *testing.T) {
	f := newReminderFixture(t)
	dueDraftReminder(f, &types.Pitch{
		ID: "pitch_1", UserID: "user_1", OpportunityID: "opp_1",
		Status: types.PitchDraft,
	})
	f.reminders.fired["rem_1"] = false // pending

	// First cycle fires it, second cycle must not.
	if _, err := f.scheduler.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.scheduler.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Errorf("expected exactly one send across cycles, got %d", len(f.sender.sent))
	}
}

func TestRunCycle_SendErrorDoesNotBlockOthers(t *testing.T) {
	f := newReminderFixture(t)
	f.sender.err = errors.New("provider down")
	dueDraftReminder(f, &types.Pitch{
		ID: "pitch_1", UserID: "user_1", OpportunityID: "opp_1",
		Status: types.PitchDraft,
	})

	n, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle error should stay internal, got: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 fired on provider failure, got %d", n)
	}
}
