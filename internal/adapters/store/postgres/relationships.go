package postgres

import (
	"context"

	"github.com/dkeye/Tether/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Relationships reads accepted connection requests.
type Relationships struct {
	pool *pgxpool.Pool
}

func NewRelationships(db *Database) *Relationships {
	return &Relationships{pool: db.Pool}
}

func (s *Relationships) AreConnected(ctx context.Context, a, b domain.UserID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM connection_requests
			WHERE status = 'accepted'
			  AND ((from_user_id = $1 AND to_user_id = $2) OR (from_user_id = $2 AND to_user_id = $1))
		)`, string(a), string(b)).Scan(&ok)
	return ok, err
}
