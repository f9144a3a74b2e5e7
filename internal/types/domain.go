package types

import (
	"time"
)

// Opportunity is a publication's call for expert commentary, open for bidding.
type Opportunity struct {
	ID            string `json:"id" db:"id"`
	PublicationID string `json:"publication_id" db:"publication_id"`

	Title       string `json:"title" db:"title"`
	Description string `json:"description,omitempty" db:"description"`
	Industry    string `json:"industry" db:"industry"`

	Status       OpportunityStatus `json:"status" db:"status"`
	MinimumBid   int64             `json:"minimum_bid_cents" db:"minimum_bid_cents"`
	CurrentPrice int64             `json:"current_price_cents" db:"current_price_cents"`
	Deadline     time.Time         `json:"deadline" db:"deadline"`

	// Set only on closure. Closed implies both are non-null.
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	LastPrice *int64     `json:"last_price_cents,omitempty" db:"last_price_cents"`

	// Alert email scheduling state. EmailSentAt is set at most once, and only
	// after EmailSendAttempted has been written (the idempotency barrier).
	EmailScheduledAt   *time.Time `json:"email_scheduled_at,omitempty" db:"email_scheduled_at"`
	EmailSentAt        *time.Time `json:"email_sent_at,omitempty" db:"email_sent_at"`
	EmailSendAttempted bool       `json:"email_send_attempted" db:"email_send_attempted"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the opportunity still accepts pitches.
func (o *Opportunity) IsOpen() bool {
	return o.Status == OpportunityOpen
}

// Pitch is a user's bid/submission against an Opportunity.
type Pitch struct {
	ID            string `json:"id" db:"id"`
	UserID        string `json:"user_id" db:"user_id"`
	OpportunityID string `json:"opportunity_id" db:"opportunity_id"`

	Content  string `json:"content,omitempty" db:"content"`
	AudioURL string `json:"audio_url,omitempty" db:"audio_url"`

	Status    PitchStatus `json:"status" db:"status"`
	BidAmount int64       `json:"bid_amount_cents" db:"bid_amount_cents"`

	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	SuccessfulAt *time.Time `json:"successful_at,omitempty" db:"successful_at"`
}

// IsDraft derives draft-ness from the status. There is no stored draft flag;
// status is the single source of truth.
func (p *Pitch) IsDraft() bool {
	return p.Status.IsDraft()
}

// Placement is the billable record created when a Pitch is marked successful.
type Placement struct {
	ID            string `json:"id" db:"id"`
	PitchID       string `json:"pitch_id" db:"pitch_id"`
	UserID        string `json:"user_id" db:"user_id"`
	OpportunityID string `json:"opportunity_id" db:"opportunity_id"`
	PublicationID string `json:"publication_id" db:"publication_id"`

	ArticleTitle string `json:"article_title,omitempty" db:"article_title"`
	ArticleURL   string `json:"article_url,omitempty" db:"article_url"`

	Amount int64           `json:"amount_cents" db:"amount_cents"`
	Status PlacementStatus `json:"status" db:"status"`

	// Payment-processor correlation. Populated when Status == paid.
	PaymentIntentID string     `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	ChargeID        string     `json:"charge_id,omitempty" db:"charge_id"`
	ChargedAt       *time.Time `json:"charged_at,omitempty" db:"charged_at"`

	// Non-null exactly when Status == error; captured verbatim from the
	// payment processor for operator diagnosis.
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// One-way false -> true.
	NotificationSent bool `json:"notification_sent" db:"notification_sent"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// User is a marketplace member who pitches against opportunities.
type User struct {
	ID       string `json:"id" db:"id"`
	Email    string `json:"email" db:"email"`
	Username string `json:"username" db:"username"`
	FullName string `json:"full_name,omitempty" db:"full_name"`
	Industry string `json:"industry,omitempty" db:"industry"`

	// Stripe customer correlation; empty until EnsureCustomer has run.
	StripeCustomerID string `json:"-" db:"stripe_customer_id"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// FirstName returns the user's display first name: the first token of the
// full name when present, otherwise the username.
func (u *User) FirstName() string {
	for i := 0; i < len(u.FullName); i++ {
		if u.FullName[i] == ' ' {
			return u.FullName[:i]
		}
	}
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Publication is an outlet that posts opportunities.
type Publication struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Website   string    `json:"website,omitempty" db:"website"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Reminder is a durable pending-reminder row. At most one un-fired,
// un-canceled row exists per (UserID, Kind, SubjectID) key; scheduling again
// replaces the existing row's due time.
type Reminder struct {
	ID            string       `json:"id" db:"id"`
	Kind          ReminderKind `json:"kind" db:"kind"`
	UserID        string       `json:"user_id" db:"user_id"`
	SubjectID     string       `json:"subject_id" db:"subject_id"`
	OpportunityID string       `json:"opportunity_id" db:"opportunity_id"`

	DueAt      time.Time  `json:"due_at" db:"due_at"`
	CanceledAt *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	FiredAt    *time.Time `json:"fired_at,omitempty" db:"fired_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SendInput defines the contract for email transmission. Content is rendered
// by the notifications package before it reaches the provider client.
type SendInput struct {
	To          string
	From        SenderIdentity
	Kind        EmailKind
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}

// ChargeResult carries the payment-processor correlation identifiers produced
// by a successful capture.
type ChargeResult struct {
	PaymentIntentID string
	ChargeID        string
}
