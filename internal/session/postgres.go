package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-pipeline/internal/models"
)

// PostgresStore keeps one snapshot row per profile and an append-only audit
// trail of applied transitions.
type PostgresStore struct {
	pool    *pgxpool.Pool
	profile string
}

// NewPostgresStore creates a pooled connection to Postgres.
func NewPostgresStore(ctx context.Context, dsn, profile string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if profile == "" {
		profile = "default"
	}
	return &PostgresStore{pool: pool, profile: profile}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Load fetches the profile's snapshot, or nil when none was saved.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT snapshot FROM pipeline_sessions WHERE profile = $1
	`, s.profile).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return decode(raw)
}

// Save upserts the whole snapshot in a single statement.
func (s *PostgresStore) Save(ctx context.Context, sessionID string, c models.Campaign) error {
	raw, err := encode(sessionID, c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_sessions (profile, session_id, version, stage, snapshot, saved_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (profile) DO UPDATE
		SET session_id = EXCLUDED.session_id,
		    version = EXCLUDED.version,
		    stage = EXCLUDED.stage,
		    snapshot = EXCLUDED.snapshot,
		    saved_at = EXCLUDED.saved_at
	`, s.profile, sessionID, SchemaVersion, string(c.Stage), raw)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Clear deletes the profile's snapshot. Audit rows are kept.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pipeline_sessions WHERE profile = $1`, s.profile); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendEvent adds an audit row.
func (s *PostgresStore) AppendEvent(ctx context.Context, sessionID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_events (session_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, sessionID, event, detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit audit rows for a session, newest first.
func (s *PostgresStore) RecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, event, detail, ts
		FROM pipeline_events WHERE session_id = $1
		ORDER BY ts DESC, id DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.SessionID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
