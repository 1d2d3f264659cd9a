package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists visitor focus in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS visitor_focus (
			visitor_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			focus TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_visitor_focus_expires ON visitor_focus (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveFocus(ctx context.Context, visitorID, focus string) (FocusRecord, error) {
	visitorID, focus, err := normalize(visitorID, focus)
	if err != nil {
		return FocusRecord{}, err
	}
	now := time.Now().UTC()
	rec := FocusRecord{
		ID:        uuid.NewString(),
		VisitorID: visitorID,
		Focus:     focus,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO visitor_focus (visitor_id, id, focus, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (visitor_id) DO UPDATE
		 SET id = EXCLUDED.id, focus = EXCLUDED.focus, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		rec.VisitorID,
		rec.ID,
		rec.Focus,
		rec.UpdatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return FocusRecord{}, fmt.Errorf("save focus: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM visitor_focus WHERE expires_at <= now()`); err != nil {
		return rec, fmt.Errorf("sweep expired focus: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Focus(ctx context.Context, visitorID string) (FocusRecord, bool, error) {
	var r FocusRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, visitor_id, focus, updated_at, expires_at
		 FROM visitor_focus WHERE visitor_id=$1 AND expires_at > now()`,
		visitorID,
	).Scan(&r.ID, &r.VisitorID, &r.Focus, &r.UpdatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FocusRecord{}, false, nil
	}
	if err != nil {
		return FocusRecord{}, false, fmt.Errorf("query focus: %w", err)
	}
	return r, true, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
