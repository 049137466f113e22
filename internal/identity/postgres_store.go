package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an agent store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `id, did, org_id, name, public_key, key_id, sealed_private_key,
	COALESCE(owner_did, ''), type, status, reputation, freeze_info,
	successful_txns, failed_txns, last_volume, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	freezeJSON, err := marshalFreeze(agent.Freeze)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, did, org_id, name, public_key, key_id, sealed_private_key,
			owner_did, type, status, reputation, freeze_info,
			successful_txns, failed_txns, last_volume, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12::JSONB, $13, $14, $15, $16, $17)
	`, agent.ID, agent.DID, agent.OrgID, agent.Name, agent.PublicKey, agent.KeyID, agent.SealedPrivateKey,
		agent.OwnerDID, agent.Type, agent.Status, agent.Reputation, freezeJSON,
		agent.SuccessfulTxns, agent.FailedTxns, agent.LastVolume, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrAgentExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByDID(ctx context.Context, did string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE did = $1`, did)
	return scanAgent(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *PostgresStore) Update(ctx context.Context, agent *Agent) error {
	freezeJSON, err := marshalFreeze(agent.Freeze)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = $2, status = $3, reputation = $4, freeze_info = $5::JSONB,
			successful_txns = $6, failed_txns = $7, last_volume = $8, updated_at = NOW()
		WHERE did = $1
	`, agent.DID, agent.Name, agent.Status, agent.Reputation, freezeJSON,
		agent.SuccessfulTxns, agent.FailedTxns, agent.LastVolume)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) ListByOrg(ctx context.Context, orgID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) GetGlobalFreeze(ctx context.Context, orgID string) (*GlobalFreeze, error) {
	gf := &GlobalFreeze{OrgID: orgID}
	err := s.db.QueryRowContext(ctx, `
		SELECT active, COALESCE(reason, ''), COALESCE(actor, ''), changed_at
		FROM global_freezes WHERE org_id = $1
	`, orgID).Scan(&gf.Active, &gf.Reason, &gf.Actor, &gf.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &GlobalFreeze{OrgID: orgID, Active: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return gf, nil
}

func (s *PostgresStore) SetGlobalFreeze(ctx context.Context, gf *GlobalFreeze) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_freezes (org_id, active, reason, actor, changed_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		ON CONFLICT (org_id) DO UPDATE
		SET active = EXCLUDED.active, reason = EXCLUDED.reason,
			actor = EXCLUDED.actor, changed_at = EXCLUDED.changed_at
	`, gf.OrgID, gf.Active, gf.Reason, gf.Actor, gf.ChangedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var freezeJSON []byte
	var createdAt, updatedAt time.Time
	err := row.Scan(&a.ID, &a.DID, &a.OrgID, &a.Name, &a.PublicKey, &a.KeyID, &a.SealedPrivateKey,
		&a.OwnerDID, &a.Type, &a.Status, &a.Reputation, &freezeJSON,
		&a.SuccessfulTxns, &a.FailedTxns, &a.LastVolume, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = createdAt
	a.UpdatedAt = updatedAt
	if len(freezeJSON) > 0 && string(freezeJSON) != "null" {
		var fi FreezeInfo
		if err := json.Unmarshal(freezeJSON, &fi); err == nil {
			a.Freeze = &fi
		}
	}
	return a, nil
}

func marshalFreeze(fi *FreezeInfo) ([]byte, error) {
	if fi == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(fi)
	if err != nil {
		return nil, fmt.Errorf("marshal freeze info: %w", err)
	}
	return b, nil
}

var _ Store = (*PostgresStore)(nil)
