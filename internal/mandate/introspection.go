package mandate

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// IntrospectionStore records mandates revoked before expiry. It is
// optional: without one, verification skips the revocation step.
type IntrospectionStore interface {
	Revoke(ctx context.Context, tokenID, reason string, at time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryIntrospectionStore is an in-memory IntrospectionStore.
type MemoryIntrospectionStore struct {
	mu      sync.RWMutex
	revoked map[string]string
}

// NewMemoryIntrospectionStore creates a new in-memory introspection store.
func NewMemoryIntrospectionStore() *MemoryIntrospectionStore {
	return &MemoryIntrospectionStore{revoked: make(map[string]string)}
}

func (s *MemoryIntrospectionStore) Revoke(_ context.Context, tokenID, reason string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[tokenID]; !ok {
		s.revoked[tokenID] = reason
	}
	return nil
}

func (s *MemoryIntrospectionStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[tokenID]
	return ok, nil
}

// PostgresIntrospectionStore is a PostgreSQL-backed IntrospectionStore.
type PostgresIntrospectionStore struct {
	db *sql.DB
}

// NewPostgresIntrospectionStore creates an introspection store backed
// by PostgreSQL.
func NewPostgresIntrospectionStore(db *sql.DB) *PostgresIntrospectionStore {
	return &PostgresIntrospectionStore{db: db}
}

func (s *PostgresIntrospectionStore) Revoke(ctx context.Context, tokenID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandate_revocations (token_id, reason, revoked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, reason, at)
	return err
}

func (s *PostgresIntrospectionStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM mandate_revocations WHERE token_id = $1)`, tokenID).Scan(&exists)
	return exists, err
}

var (
	_ IntrospectionStore = (*MemoryIntrospectionStore)(nil)
	_ IntrospectionStore = (*PostgresIntrospectionStore)(nil)
)
