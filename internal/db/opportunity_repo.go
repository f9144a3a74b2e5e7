package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"quotebid/internal/types"
)

// OpportunityRepository provides data access for the opportunities table,
// including the alert-email scheduling columns the background scheduler
// drives (email_scheduled_at, email_send_attempted, email_sent_at).
type OpportunityRepository struct {
	db DBTX
}

// NewOpportunityRepository creates a new OpportunityRepository backed by the
// given database connection (pool or transaction).
func NewOpportunityRepository(db DBTX) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

const opportunityColumns = `id, publication_id, title, description, industry, status,
	minimum_bid_cents, current_price_cents, deadline, closed_at, last_price_cents,
	email_scheduled_at, email_sent_at, email_send_attempted, created_at, updated_at`

// Create inserts a new opportunity. The caller must set the ID; scheduling
// columns start at their zero values (NULL/false) so the new row is invisible
// to the poll loop until ScheduleEmail runs or the fail-safe age elapses.
func (r *OpportunityRepository) Create(ctx context.Context, o *types.Opportunity) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO opportunities
		 (id, publication_id, title, description, industry, status,
		  minimum_bid_cents, current_price_cents, deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		o.ID,
		o.PublicationID,
		o.Title,
		nilIfEmpty(o.Description),
		o.Industry,
		string(o.Status),
		o.MinimumBid,
		o.CurrentPrice,
		o.Deadline,
	)
	if err := row.Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create opportunity", err)
	}
	return nil
}

// Get retrieves an opportunity by ID. Returns a not_found_opportunity error
// when no row matches; any other failure is an internal_database_error.
func (r *OpportunityRepository) Get(ctx context.Context, id string) (*types.Opportunity, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)

	o, err := scanOpportunity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get opportunity", err)
	}
	return o, nil
}

// List retrieves opportunities ordered by creation time, newest first.
func (r *OpportunityRepository) List(ctx context.Context, limit int) ([]*types.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list opportunities", err)
	}
	defer rows.Close()

	return collectOpportunities(rows)
}

// ScheduleEmail sets the alert email target time and resets the send state,
// so a re-schedule always produces a fresh send attempt.
func (r *OpportunityRepository) ScheduleEmail(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE opportunities SET
			email_scheduled_at = $1,
			email_send_attempted = FALSE,
			email_sent_at = NULL,
			updated_at = NOW()
		 WHERE id = $2`,
		at, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule opportunity email", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found", nil)
	}
	return nil
}

// ListEmailDue returns opportunities whose alert email should be sent now.
// Two paths qualify a row:
//
//   (a) scheduled: email_scheduled_at has passed, the email has not been
//       sent, and no send has been attempted yet;
//   (b) fail-safe: the row was never scheduled at all (email_scheduled_at
//       IS NULL, email_sent_at IS NULL) and is older than failSafeAge.
//
// Path (b) catches opportunities that missed scheduling due to a bug or a
// crash between row creation and the ScheduleEmail write.
func (r *OpportunityRepository) ListEmailDue(ctx context.Context, now time.Time, failSafeAge time.Duration, limit int) ([]*types.Opportunity, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities
		 WHERE (email_scheduled_at IS NOT NULL
		        AND email_scheduled_at <= $1
		        AND email_sent_at IS NULL
		        AND email_send_attempted = FALSE)
		    OR (email_scheduled_at IS NULL
		        AND email_sent_at IS NULL
		        AND email_send_attempted = FALSE
		        AND created_at < $2)
		 ORDER BY created_at
		 LIMIT $3`,
		now, now.Add(-failSafeAge), limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due opportunity emails", err)
	}
	defer rows.Close()

	return collectOpportunities(rows)
}

// ClaimEmailAttempt atomically flips email_send_attempted from false to true
// and reports whether this caller won the claim. The flip happens BEFORE the
// email send (the idempotency barrier): a crash after this write leaves the
// email unsent but also un-retried, a deliberate at-most-once tradeoff.
// Overlapping poll cycles racing on the same row resolve here — exactly one
// observes claimed=true.
func (r *OpportunityRepository) ClaimEmailAttempt(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE opportunities SET
			email_send_attempted = TRUE,
			updated_at = NOW()
		 WHERE id = $1 AND email_send_attempted = FALSE AND email_sent_at IS NULL`,
		id)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim email attempt", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEmailSent records the successful completion of the alert email send.
func (r *OpportunityRepository) MarkEmailSent(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE opportunities SET
			email_sent_at = $1,
			updated_at = NOW()
		 WHERE id = $2 AND email_sent_at IS NULL`,
		at, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark email sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found or already marked sent", nil)
	}
	return nil
}

// ListStuckAttempts returns opportunities where an email send was claimed but
// never completed (attempted=true, sent IS NULL) and the claim is older than
// the cutoff. These rows are invisible to ListEmailDue by design; operators
// resolve them manually via the admin endpoint.
func (r *OpportunityRepository) ListStuckAttempts(ctx context.Context, cutoff time.Time, limit int) ([]*types.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities
		 WHERE email_send_attempted = TRUE
		   AND email_sent_at IS NULL
		   AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stuck email attempts", err)
	}
	defer rows.Close()

	return collectOpportunities(rows)
}

// Close transitions an opportunity to closed, recording the closing time and
// final price together so the closed-implies-both-set invariant holds at the
// row level.
func (r *OpportunityRepository) Close(ctx context.Context, id string, lastPrice int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE opportunities SET
			status = $1,
			closed_at = $2,
			last_price_cents = $3,
			updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		string(types.OpportunityClosed), at, lastPrice, id, string(types.OpportunityOpen))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to close opportunity", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found or already closed", nil)
	}
	return nil
}

// scanOpportunity scans a single opportunities row. Handles nullable columns
// using pointer types.
func scanOpportunity(row pgx.Row) (*types.Opportunity, error) {
	var (
		o           types.Opportunity
		description *string
		status      string
	)

	err := row.Scan(
		&o.ID,
		&o.PublicationID,
		&o.Title,
		&description,
		&o.Industry,
		&status,
		&o.MinimumBid,
		&o.CurrentPrice,
		&o.Deadline,
		&o.ClosedAt,
		&o.LastPrice,
		&o.EmailScheduledAt,
		&o.EmailSentAt,
		&o.EmailSendAttempted,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description != nil {
		o.Description = *description
	}
	o.Status = types.OpportunityStatus(status)

	return &o, nil
}

// collectOpportunities drains a pgx.Rows result set into a slice.
func collectOpportunities(rows pgx.Rows) ([]*types.Opportunity, error) {
	var results []*types.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan opportunity row", err)
		}
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating opportunity rows", err)
	}
	return results, nil
}
