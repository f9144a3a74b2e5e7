package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"quotebid/internal/types"
)

// PitchRepository provides data access for the pitches table. Status is the
// single source of truth for draft-ness; there is no stored draft flag to
// drift out of sync.
type PitchRepository struct {
	db DBTX
}

// NewPitchRepository creates a new PitchRepository backed by the given
// database connection (pool or transaction).
func NewPitchRepository(db DBTX) *PitchRepository {
	return &PitchRepository{db: db}
}

const pitchColumns = `id, user_id, opportunity_id, content, audio_url, status,
	bid_amount_cents, created_at, updated_at, successful_at`

// Create inserts a new pitch. The caller must set the ID and status.
func (r *PitchRepository) Create(ctx context.Context, p *types.Pitch) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO pitches
		 (id, user_id, opportunity_id, content, audio_url, status, bid_amount_cents)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		p.ID,
		p.UserID,
		p.OpportunityID,
		nilIfEmpty(p.Content),
		nilIfEmpty(p.AudioURL),
		string(p.Status),
		p.BidAmount,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create pitch", err)
	}
	return nil
}

// Get retrieves a pitch by ID.
func (r *PitchRepository) Get(ctx context.Context, id string) (*types.Pitch, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+pitchColumns+` FROM pitches WHERE id = $1`, id)

	p, err := scanPitch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPitch, "pitch not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get pitch", err)
	}
	return p, nil
}

// GetByUserAndOpportunity retrieves a user's pitch against an opportunity.
// Returns a not_found_pitch error when the user has not pitched — callers
// that treat absence as benign (reminder re-validation, bid lookup) must
// branch on the error code.
func (r *PitchRepository) GetByUserAndOpportunity(ctx context.Context, userID, opportunityID string) (*types.Pitch, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+pitchColumns+` FROM pitches
		 WHERE user_id = $1 AND opportunity_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, opportunityID)

	p, err := scanPitch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPitch, "pitch not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get pitch by user and opportunity", err)
	}
	return p, nil
}

// UpdateStatus transitions a pitch's status. When the new status is
// successful and the pitch has never been successful before, successful_at
// is stamped; the column is never cleared on later transitions (append-only
// marker of "was once successful").
func (r *PitchRepository) UpdateStatus(ctx context.Context, id string, status types.PitchStatus, now time.Time) (*types.Pitch, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE pitches SET
			status = $1,
			successful_at = CASE
				WHEN $1 = $2 AND successful_at IS NULL THEN $3
				ELSE successful_at
			END,
			updated_at = NOW()
		 WHERE id = $4
		 RETURNING `+pitchColumns,
		string(status), string(types.PitchSuccessful), now, id)

	p, err := scanPitch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPitch, "pitch not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update pitch status", err)
	}
	return p, nil
}

// scanPitch scans a single pitches row. Handles nullable columns using
// pointer types.
func scanPitch(row pgx.Row) (*types.Pitch, error) {
	var (
		p        types.Pitch
		content  *string
		audioURL *string
		status   string
	)

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.OpportunityID,
		&content,
		&audioURL,
		&status,
		&p.BidAmount,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.SuccessfulAt,
	)
	if err != nil {
		return nil, err
	}

	if content != nil {
		p.Content = *content
	}
	if audioURL != nil {
		p.AudioURL = *audioURL
	}
	p.Status = types.PitchStatus(status)

	return &p, nil
}
