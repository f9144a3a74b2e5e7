package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"quotebid/internal/types"
)

// PlacementRepository provides data access for the placements table.
// Status transitions are expressed as dedicated methods rather than a
// generic update so each write carries exactly the columns its transition
// is allowed to touch.
type PlacementRepository struct {
	db DBTX
}

// NewPlacementRepository creates a new PlacementRepository backed by the
// given database connection (pool or transaction).
func NewPlacementRepository(db DBTX) *PlacementRepository {
	return &PlacementRepository{db: db}
}

const placementColumns = `id, pitch_id, user_id, opportunity_id, publication_id,
	article_title, article_url, amount_cents, status, payment_intent_id, charge_id,
	charged_at, error_message, notification_sent, created_at, updated_at`

// Create inserts a new placement in ready_for_billing state.
func (r *PlacementRepository) Create(ctx context.Context, p *types.Placement) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO placements
		 (id, pitch_id, user_id, opportunity_id, publication_id,
		  article_title, article_url, amount_cents, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		p.ID,
		p.PitchID,
		p.UserID,
		p.OpportunityID,
		p.PublicationID,
		nilIfEmpty(p.ArticleTitle),
		nilIfEmpty(p.ArticleURL),
		p.Amount,
		string(p.Status),
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create placement", err)
	}
	return nil
}

// Get retrieves a placement by ID.
func (r *PlacementRepository) Get(ctx context.Context, id string) (*types.Placement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+placementColumns+` FROM placements WHERE id = $1`, id)

	p, err := scanPlacement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get placement", err)
	}
	return p, nil
}

// GetByPaymentIntent retrieves a placement by its payment intent correlation
// ID. Used by the Stripe webhook handler to reconcile asynchronous payment
// outcomes. Returns not_found_placement when no placement carries the ID.
func (r *PlacementRepository) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*types.Placement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+placementColumns+` FROM placements WHERE payment_intent_id = $1`, paymentIntentID)

	p, err := scanPlacement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found for payment intent", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get placement by payment intent", err)
	}
	return p, nil
}

// MarkPaid records a successful capture: status -> paid, charge correlation
// identifiers and charged_at populated together, error_message cleared. The
// paid-implies-correlation invariant holds because all columns are written
// in one statement.
func (r *PlacementRepository) MarkPaid(ctx context.Context, id string, charge types.ChargeResult, chargedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE placements SET
			status = $1,
			payment_intent_id = $2,
			charge_id = $3,
			charged_at = $4,
			error_message = NULL,
			updated_at = NOW()
		 WHERE id = $5`,
		string(types.PlacementPaid),
		charge.PaymentIntentID,
		charge.ChargeID,
		chargedAt,
		id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark placement paid", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found", nil)
	}
	return nil
}

// MarkError records a failed capture: status -> error with the processor's
// message stored verbatim for operator diagnosis. A retry that fails again
// overwrites the previous message.
func (r *PlacementRepository) MarkError(ctx context.Context, id string, message string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE placements SET
			status = $1,
			error_message = $2,
			updated_at = NOW()
		 WHERE id = $3`,
		string(types.PlacementError), message, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark placement error", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found", nil)
	}
	return nil
}

// MarkNotificationSent flips notification_sent to true. The flag is one-way:
// the statement never writes false.
func (r *PlacementRepository) MarkNotificationSent(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE placements SET
			notification_sent = TRUE,
			updated_at = NOW()
		 WHERE id = $1`,
		id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found", nil)
	}
	return nil
}

// scanPlacement scans a single placements row. Handles nullable columns
// using pointer types.
func scanPlacement(row pgx.Row) (*types.Placement, error) {
	var (
		p               types.Placement
		articleTitle    *string
		articleURL      *string
		status          string
		paymentIntentID *string
		chargeID        *string
		errorMessage    *string
	)

	err := row.Scan(
		&p.ID,
		&p.PitchID,
		&p.UserID,
		&p.OpportunityID,
		&p.PublicationID,
		&articleTitle,
		&articleURL,
		&p.Amount,
		&status,
		&paymentIntentID,
		&chargeID,
		&p.ChargedAt,
		&errorMessage,
		&p.NotificationSent,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if articleTitle != nil {
		p.ArticleTitle = *articleTitle
	}
	if articleURL != nil {
		p.ArticleURL = *articleURL
	}
	p.Status = types.PlacementStatus(status)
	if paymentIntentID != nil {
		p.PaymentIntentID = *paymentIntentID
	}
	if chargeID != nil {
		p.ChargeID = *chargeID
	}
	if errorMessage != nil {
		p.ErrorMessage = *errorMessage
	}

	return &p, nil
}
