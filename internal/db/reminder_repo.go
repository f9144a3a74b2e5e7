package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"quotebid/internal/types"
)

// ReminderRepository provides data access for the reminders table: durable
// pending-reminder rows consumed by the reminder poll loop. The table has a
// partial unique index on (user_id, kind, subject_id) over pending rows
// (canceled_at IS NULL AND fired_at IS NULL), which Upsert relies on to keep
// at most one live reminder per key.
type ReminderRepository struct {
	db DBTX
}

// NewReminderRepository creates a new ReminderRepository backed by the given
// database connection (pool or transaction).
func NewReminderRepository(db DBTX) *ReminderRepository {
	return &ReminderRepository{db: db}
}

const reminderColumns = `id, kind, user_id, subject_id, opportunity_id,
	due_at, canceled_at, fired_at, created_at`

// Upsert schedules a reminder: if a pending row exists for the same
// (user, kind, subject) key, its due_at is replaced; otherwise a new row is
// inserted. Scheduling therefore always replaces any existing timer for the
// key, never stacks a second one.
func (r *ReminderRepository) Upsert(ctx context.Context, rem *types.Reminder) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO reminders (id, kind, user_id, subject_id, opportunity_id, due_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, kind, subject_id) WHERE canceled_at IS NULL AND fired_at IS NULL
		 DO UPDATE SET due_at = EXCLUDED.due_at, opportunity_id = EXCLUDED.opportunity_id
		 RETURNING id, created_at`,
		rem.ID,
		string(rem.Kind),
		rem.UserID,
		rem.SubjectID,
		rem.OpportunityID,
		rem.DueAt,
	)
	if err := row.Scan(&rem.ID, &rem.CreatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert reminder", err)
	}
	return nil
}

// Cancel marks the pending reminder for the key as canceled. Canceling a key
// with no pending reminder is a no-op, not an error.
func (r *ReminderRepository) Cancel(ctx context.Context, kind types.ReminderKind, userID, subjectID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE reminders SET canceled_at = $1
		 WHERE kind = $2 AND user_id = $3 AND subject_id = $4
		   AND canceled_at IS NULL AND fired_at IS NULL`,
		at, string(kind), userID, subjectID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel reminder", err)
	}
	return nil
}

// ListDue returns pending reminders whose due time has passed, oldest first.
func (r *ReminderRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE due_at <= $1 AND canceled_at IS NULL AND fired_at IS NULL
		 ORDER BY due_at
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due reminders", err)
	}
	defer rows.Close()

	var results []*types.Reminder
	for rows.Next() {
		rem, scanErr := scanReminder(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reminder row", scanErr)
		}
		results = append(results, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating reminder rows", err)
	}

	return results, nil
}

// MarkFired consumes a reminder. The fired_at stamp is written whether the
// reminder ultimately produced an email or was skipped as stale; a consumed
// row never fires again.
func (r *ReminderRepository) MarkFired(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE reminders SET fired_at = $1
		 WHERE id = $2 AND fired_at IS NULL AND canceled_at IS NULL`,
		at, id)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark reminder fired", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanReminder scans a single reminders row.
func scanReminder(row pgx.Row) (*types.Reminder, error) {
	var (
		rem  types.Reminder
		kind string
	)

	err := row.Scan(
		&rem.ID,
		&kind,
		&rem.UserID,
		&rem.SubjectID,
		&rem.OpportunityID,
		&rem.DueAt,
		&rem.CanceledAt,
		&rem.FiredAt,
		&rem.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rem.Kind = types.ReminderKind(kind)
	return &rem, nil
}
