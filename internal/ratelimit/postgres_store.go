package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore is a PostgreSQL-backed implementation of Store. Window
// writes are compare-and-swap on the version column, so the limiter's
// per-agent serialization holds across multiple processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a rate-limit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetWindow(ctx context.Context, agentDID string) (*Window, error) {
	w := &Window{}
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_did, window_start, spend, count, version
		FROM rate_limit_windows WHERE agent_did = $1
	`, agentDID).Scan(&w.AgentDID, &w.WindowStart, &w.Spend, &w.Count, &w.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWindowNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *PostgresStore) PutWindow(ctx context.Context, w *Window) error {
	if w.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rate_limit_windows (agent_did, window_start, spend, count, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (agent_did) DO NOTHING
		`, w.AgentDID, w.WindowStart, w.Spend, w.Count)
		if err != nil {
			return err
		}
		// An existing row means another writer created the window first.
		var version int64
		err = s.db.QueryRowContext(ctx,
			`SELECT version FROM rate_limit_windows WHERE agent_did = $1`, w.AgentDID).Scan(&version)
		if err != nil {
			return err
		}
		if version != 1 {
			return ErrStaleWindow
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_windows
		SET window_start = $2, spend = $3, count = $4, version = version + 1
		WHERE agent_did = $1 AND version = $5
	`, w.AgentDID, w.WindowStart, w.Spend, w.Count, w.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleWindow
	}
	return nil
}

func (s *PostgresStore) AddHistory(ctx context.Context, h *HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_history (agent_did, amount, at)
		VALUES ($1, $2, $3)
	`, h.AgentDID, h.Amount, h.At)
	return err
}

func (s *PostgresStore) HistorySince(ctx context.Context, agentDID string, since time.Time) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_did, amount, at FROM rate_limit_history
		WHERE agent_did = $1 AND at >= $2 ORDER BY at
	`, agentDID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		h := &HistoryEntry{}
		if err := rows.Scan(&h.AgentDID, &h.Amount, &h.At); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PurgeHistory(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_history WHERE at < $1`, before)
	return err
}

var _ Store = (*PostgresStore)(nil)
