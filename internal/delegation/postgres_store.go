package delegation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a delegation store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `id, org_id, issuer_did, recipient_did, COALESCE(parent_id, ''), depth,
	constraints, issued_at, expires_at, revoked, revoked_at, COALESCE(revocation_reason, ''),
	COALESCE(chain_hash, ''), token_hash, signed_token, key_id`

func (s *PostgresStore) Create(ctx context.Context, t *Token) error {
	constraints, err := marshalConstraints(t.Constraints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, org_id, issuer_did, recipient_did, parent_id, depth,
			constraints, issued_at, expires_at, revoked, revoked_at, revocation_reason,
			chain_hash, token_hash, signed_token, key_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7::JSONB, $8, $9, $10, $11, NULLIF($12, ''),
			NULLIF($13, ''), $14, $15, $16)
	`, t.ID, t.OrgID, t.IssuerDID, t.RecipientDID, t.ParentID, t.Depth,
		constraints, t.IssuedAt, t.ExpiresAt, t.Revoked, t.RevokedAt, t.RevocationReason,
		t.ChainHash, t.TokenHash, t.SignedToken, t.KeyID)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM delegations WHERE id = $1`, id)
	return scanToken(row)
}

func (s *PostgresStore) Update(ctx context.Context, t *Token) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegations
		SET revoked = $2, revoked_at = $3, revocation_reason = NULLIF($4, '')
		WHERE id = $1
	`, t.ID, t.Revoked, t.RevokedAt, t.RevocationReason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *PostgresStore) ListByIssuer(ctx context.Context, orgID, issuerDID string, activeOnly bool) ([]*Token, error) {
	return s.list(ctx, `org_id = $1 AND issuer_did = $2`, activeOnly, orgID, issuerDID)
}

func (s *PostgresStore) ListByRecipient(ctx context.Context, orgID, recipientDID string, activeOnly bool) ([]*Token, error) {
	return s.list(ctx, `org_id = $1 AND recipient_did = $2`, activeOnly, orgID, recipientDID)
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]*Token, error) {
	return s.list(ctx, `parent_id = $1`, false, parentID)
}

func (s *PostgresStore) list(ctx context.Context, where string, activeOnly bool, args ...any) ([]*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM delegations WHERE ` + where
	if activeOnly {
		query += fmt.Sprintf(` AND NOT revoked AND expires_at > $%d`, len(args)+1)
		args = append(args, time.Now())
	}
	query += ` ORDER BY issued_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	t := &Token{}
	var constraints []byte
	var revokedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OrgID, &t.IssuerDID, &t.RecipientDID, &t.ParentID, &t.Depth,
		&constraints, &t.IssuedAt, &t.ExpiresAt, &t.Revoked, &revokedAt, &t.RevocationReason,
		&t.ChainHash, &t.TokenHash, &t.SignedToken, &t.KeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if len(constraints) > 0 && string(constraints) != "null" {
		t.Constraints = &Constraints{}
		if err := json.Unmarshal(constraints, t.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshal constraints: %w", err)
		}
	}
	return t, nil
}

func marshalConstraints(c *Constraints) ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal constraints: %w", err)
	}
	return raw, nil
}

var _ Store = (*PostgresStore)(nil)
