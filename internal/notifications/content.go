package notifications

import (
	"fmt"
	"time"

	"quotebid/internal/types"
)

// Composer builds ready-to-send emails from domain objects. All formatting
// (money, deadlines, salutations) happens here so templates stay dumb.
type Composer struct {
	renderer *Renderer
	from     types.SenderIdentity
	clock    types.Clock
}

// NewComposer creates a Composer sending from the given identity.
func NewComposer(renderer *Renderer, from types.SenderIdentity, clock types.Clock) *Composer {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Composer{renderer: renderer, from: from, clock: clock}
}

// OpportunityAlert builds the new-opportunity alert email for one recipient.
func (c *Composer) OpportunityAlert(user *types.User, opp *types.Opportunity, pub *types.Publication) (types.SendInput, error) {
	rendered, err := c.renderer.Render(types.EmailOpportunityAlert, TemplateData{
		FirstName:        user.FirstName(),
		OpportunityTitle: opp.Title,
		PublicationName:  pub.Name,
		Deadline:         formatDeadline(opp.Deadline),
		MinimumBid:       FormatCents(opp.MinimumBid),
	})
	if err != nil {
		return types.SendInput{}, err
	}

	return types.SendInput{
		To:          user.Email,
		From:        c.from,
		Kind:        types.EmailOpportunityAlert,
		Subject:     fmt.Sprintf("New opportunity from %s: %s", pub.Name, opp.Title),
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: opp.ID,
	}, nil
}

// DraftReminder builds the unfinished-draft nudge email.
func (c *Composer) DraftReminder(user *types.User, opp *types.Opportunity, pub *types.Publication, pitchID string) (types.SendInput, error) {
	rendered, err := c.renderer.Render(types.EmailDraftReminder, TemplateData{
		FirstName:        user.FirstName(),
		OpportunityTitle: opp.Title,
		PublicationName:  pub.Name,
		TimeLeft:         FormatTimeLeft(c.clock.Now(), opp.Deadline),
	})
	if err != nil {
		return types.SendInput{}, err
	}

	return types.SendInput{
		To:          user.Email,
		From:        c.from,
		Kind:        types.EmailDraftReminder,
		Subject:     fmt.Sprintf("Your draft pitch for %s expires soon", pub.Name),
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: pitchID,
	}, nil
}

// SavedOpportunityReminder builds the saved-but-not-pitched nudge email.
func (c *Composer) SavedOpportunityReminder(user *types.User, opp *types.Opportunity, pub *types.Publication) (types.SendInput, error) {
	rendered, err := c.renderer.Render(types.EmailSavedReminder, TemplateData{
		FirstName:        user.FirstName(),
		OpportunityTitle: opp.Title,
		PublicationName:  pub.Name,
		TimeLeft:         FormatTimeLeft(c.clock.Now(), opp.Deadline),
	})
	if err != nil {
		return types.SendInput{}, err
	}

	return types.SendInput{
		To:          user.Email,
		From:        c.from,
		Kind:        types.EmailSavedReminder,
		Subject:     fmt.Sprintf("Still interested? %q closes soon", opp.Title),
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: opp.ID,
	}, nil
}

// BillingSuccess builds the placement-charged confirmation email.
func (c *Composer) BillingSuccess(user *types.User, placement *types.Placement, pub *types.Publication) (types.SendInput, error) {
	rendered, err := c.renderer.Render(types.EmailBillingSuccess, TemplateData{
		FirstName:       user.FirstName(),
		PublicationName: pub.Name,
		AmountCharged:   FormatCents(placement.Amount),
		ArticleTitle:    placement.ArticleTitle,
		ArticleURL:      placement.ArticleURL,
	})
	if err != nil {
		return types.SendInput{}, err
	}

	return types.SendInput{
		To:          user.Email,
		From:        c.from,
		Kind:        types.EmailBillingSuccess,
		Subject:     fmt.Sprintf("You were placed in %s", pub.Name),
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: placement.ID,
	}, nil
}

// FormatCents renders an integer cent amount as a dollar string, e.g. 50000
// becomes "$500.00".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// FormatTimeLeft renders the remaining time before deadline in coarse human
// units. Deadlines in the past render as "less than an hour" rather than a
// negative duration; the scheduler suppresses reminders for closed
// opportunities before content is ever built.
func FormatTimeLeft(now, deadline time.Time) string {
	left := deadline.Sub(now)
	switch {
	case left < time.Hour:
		return "less than an hour"
	case left < 2*time.Hour:
		return "1 hour"
	case left < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(left.Hours()))
	case left < 48*time.Hour:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", int(left.Hours()/24))
	}
}

// formatDeadline renders an absolute deadline for email copy.
func formatDeadline(deadline time.Time) string {
	return deadline.UTC().Format("Mon, Jan 2 at 3:04 PM MST")
}
