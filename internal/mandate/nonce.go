package mandate

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// NonceStore tracks used nonces until their mandate expires.
// SetIfAbsent is the replay gate: it must be atomic, returning false
// when the nonce was already present.
type NonceStore interface {
	SetIfAbsent(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// MemoryNonceStore is an in-memory implementation of NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewMemoryNonceStore creates a new in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) SetIfAbsent(_ context.Context, nonce string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.nonces[nonce]; seen {
		return false, nil
	}
	s.nonces[nonce] = expiresAt
	return true, nil
}

func (s *MemoryNonceStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for nonce, exp := range s.nonces {
		if exp.Before(before) {
			delete(s.nonces, nonce)
			removed++
		}
	}
	return removed, nil
}

// PostgresNonceStore is a PostgreSQL-backed implementation of
// NonceStore. Atomicity comes from the primary key on nonce.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore creates a nonce store backed by PostgreSQL.
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

func (s *PostgresNonceStore) SetIfAbsent(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mandate_nonces (nonce, expires_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresNonceStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mandate_nonces WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var (
	_ NonceStore = (*MemoryNonceStore)(nil)
	_ NonceStore = (*PostgresNonceStore)(nil)
)
