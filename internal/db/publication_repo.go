package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"quotebid/internal/types"
)

// PublicationRepository provides read access to publications. The core only
// resolves names for email personalization; publication management lives in
// the admin surface outside this service.
type PublicationRepository struct {
	db DBTX
}

// NewPublicationRepository creates a new PublicationRepository backed by the
// given database connection (pool or transaction).
func NewPublicationRepository(db DBTX) *PublicationRepository {
	return &PublicationRepository{db: db}
}

// Get retrieves a publication by ID.
func (r *PublicationRepository) Get(ctx context.Context, id string) (*types.Publication, error) {
	var (
		p       types.Publication
		website *string
	)

	err := r.db.QueryRow(ctx,
		`SELECT id, name, website, created_at FROM publications WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &website, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPublication, "publication not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get publication", err)
	}

	if website != nil {
		p.Website = *website
	}
	return &p, nil
}
