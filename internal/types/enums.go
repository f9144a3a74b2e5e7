package types

// OpportunityStatus describes the lifecycle state of an Opportunity.
type OpportunityStatus string

const (
	OpportunityOpen   OpportunityStatus = "open"
	OpportunityClosed OpportunityStatus = "closed"
)

// PitchStatus describes the editorial state of a pitch. The set is open-ended
// on the admin side; the constants below cover the states this core reacts to.
type PitchStatus string

const (
	PitchDraft          PitchStatus = "draft"
	PitchPending        PitchStatus = "pending"
	PitchSentToReporter PitchStatus = "sent_to_reporter"
	PitchInterested     PitchStatus = "interested"
	PitchNotInterested  PitchStatus = "not_interested"
	PitchSuccessful     PitchStatus = "successful"
)

// IsDraft reports whether the status is the draft state. The pitches table
// has no independent draft flag; draft-ness is always derived from status.
func (s PitchStatus) IsDraft() bool {
	return s == PitchDraft
}

// IsSuccessful reports whether the status represents successful coverage.
func (s PitchStatus) IsSuccessful() bool {
	return s == PitchSuccessful
}

// PlacementStatus describes the billing state of a Placement.
type PlacementStatus string

const (
	PlacementReadyForBilling PlacementStatus = "ready_for_billing"
	PlacementPaid            PlacementStatus = "paid"
	PlacementError           PlacementStatus = "error"
)

// ReminderKind identifies the subject type of a scheduled reminder.
type ReminderKind string

const (
	ReminderDraftPitch       ReminderKind = "draft_pitch"
	ReminderSavedOpportunity ReminderKind = "saved_opportunity"
)

// EmailKind identifies the logical template of an outbound email.
type EmailKind string

const (
	EmailOpportunityAlert EmailKind = "opportunity_alert"
	EmailDraftReminder    EmailKind = "draft_reminder"
	EmailSavedReminder    EmailKind = "saved_opportunity_reminder"
	EmailBillingSuccess   EmailKind = "billing_success"
)
