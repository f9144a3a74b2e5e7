package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"quotebid/internal/types"
)

// UserRepository provides read access to users plus the single write this
// core performs: storing the Stripe customer correlation ID.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, username, full_name, industry,
	stripe_customer_id, created_at, deleted_at`

// Get retrieves a user by ID. Soft-deleted users are excluded.
func (r *UserRepository) Get(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE id = $1 AND deleted_at IS NULL`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	return u, nil
}

// ListByIndustry returns all active users whose industry matches exactly.
// An empty industry never matches anyone: an opportunity without an industry
// fans out to zero recipients rather than to users with unset profiles.
func (r *UserRepository) ListByIndustry(ctx context.Context, industry string) ([]*types.User, error) {
	if industry == "" {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE industry = $1 AND deleted_at IS NULL
		 ORDER BY id`, industry)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list users by industry", err)
	}
	defer rows.Close()

	var results []*types.User
	for rows.Next() {
		u, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user row", scanErr)
		}
		results = append(results, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user rows", err)
	}

	return results, nil
}

// UpdateStripeCustomerID stores the payment-processor customer correlation
// ID for the user.
func (r *UserRepository) UpdateStripeCustomerID(ctx context.Context, id string, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $1 WHERE id = $2`,
		customerID, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update stripe customer ID", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// scanUser scans a single users row. Handles nullable columns using pointer
// types.
func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u                types.User
		fullName         *string
		industry         *string
		stripeCustomerID *string
	)

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&fullName,
		&industry,
		&stripeCustomerID,
		&u.CreatedAt,
		&u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if fullName != nil {
		u.FullName = *fullName
	}
	if industry != nil {
		u.Industry = *industry
	}
	if stripeCustomerID != nil {
		u.StripeCustomerID = *stripeCustomerID
	}

	return &u, nil
}
