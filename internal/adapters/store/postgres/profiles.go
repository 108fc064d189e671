package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Profiles struct {
	pool *pgxpool.Pool
}

func NewProfiles(db *Database) *Profiles {
	return &Profiles{pool: db.Pool}
}

// SetOnline clears last_seen when going online.
func (s *Profiles) SetOnline(ctx context.Context, id domain.UserID, online bool, lastSeen time.Time) error {
	var seen *time.Time
	if !online {
		seen = &lastSeen
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, is_online, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen`,
		string(id), online, seen)
	return err
}

func (s *Profiles) GetPresence(ctx context.Context, id domain.UserID) (domain.Presence, error) {
	p := domain.Presence{UserID: id}
	err := s.pool.QueryRow(ctx, `SELECT is_online, last_seen FROM profiles WHERE user_id = $1`, string(id)).
		Scan(&p.Online, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Presence{}, core.ErrNotFound
	}
	if err != nil {
		return domain.Presence{}, err
	}
	return p, nil
}
