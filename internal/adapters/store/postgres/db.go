// Package postgres implements the durable stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("module", "store.postgres").Msg("connected")
	return &Database{Pool: pool}, nil
}

func (d *Database) Close() {
	d.Pool.Close()
}

// AutoMigrate creates the tables the core reads and writes. profiles and
// connection_requests are owned by the account service; they are created
// here only so a fresh database works.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id CHAR(24) PRIMARY KEY,
            direct_key TEXT UNIQUE,
            participants TEXT[] NOT NULL,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            group_name TEXT NOT NULL DEFAULT '',
            group_photo TEXT NOT NULL DEFAULT '',
            admins TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id CHAR(24) PRIMARY KEY,
            conversation_id CHAR(24) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            seq BIGSERIAL,
            sender_id CHAR(24) NOT NULL,
            kind TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            audio_url TEXT NOT NULL DEFAULT '',
            audio_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
            media_url TEXT NOT NULL DEFAULT '',
            media_type TEXT NOT NULL DEFAULT '',
            file_name TEXT NOT NULL DEFAULT '',
            file_size BIGINT NOT NULL DEFAULT 0,
            status TEXT NOT NULL CHECK (status IN ('sent', 'delivered', 'read')),
            read_at TIMESTAMPTZ,
            deleted_for TEXT[] NOT NULL DEFAULT '{}',
            deleted_for_everyone BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            edited BOOLEAN NOT NULL DEFAULT FALSE,
            edited_at TIMESTAMPTZ,
            reactions JSONB NOT NULL DEFAULT '[]',
            pinned BOOLEAN NOT NULL DEFAULT FALSE,
            pinned_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_seq ON messages (conversation_id, seq)`,

		`CREATE TABLE IF NOT EXISTS profiles (
            user_id CHAR(24) PRIMARY KEY,
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen TIMESTAMPTZ
        )`,

		`CREATE TABLE IF NOT EXISTS connection_requests (
            from_user_id CHAR(24) NOT NULL,
            to_user_id CHAR(24) NOT NULL,
            status TEXT NOT NULL,
            PRIMARY KEY (from_user_id, to_user_id)
        )`,
	}

	for _, query := range queries {
		if _, err := d.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
