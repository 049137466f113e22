package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a policy store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policyColumns = `id, org_id, COALESCE(agent_did, ''), name, COALESCE(description, ''),
	priority, active, rule, semantic, action, version, COALESCE(previous_version_id, ''),
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Policy) error {
	rule, semantic, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, org_id, agent_did, name, description, priority, active,
			rule, semantic, action, version, previous_version_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8::JSONB, $9::JSONB,
			$10, $11, NULLIF($12, ''), $13, $14)
	`, p.ID, p.OrgID, p.AgentDID, p.Name, p.Description, p.Priority, p.Active,
		rule, semantic, p.Action, p.Version, p.PreviousVersionID, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	return scanPolicy(row)
}

func (s *PostgresStore) Update(ctx context.Context, p *Policy) error {
	rule, semantic, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET name = $2, description = NULLIF($3, ''), priority = $4, active = $5,
			rule = $6::JSONB, semantic = $7::JSONB, action = $8, version = $9,
			previous_version_id = NULLIF($10, ''), updated_at = $11
		WHERE id = $1
	`, p.ID, p.Name, p.Description, p.Priority, p.Active,
		rule, semantic, p.Action, p.Version, p.PreviousVersionID, p.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, orgID, agentDID string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE org_id = $1 AND active AND (agent_did IS NULL OR agent_did = $2)
		ORDER BY priority DESC, id
	`, orgID, agentDID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPolicies(rows)
}

func (s *PostgresStore) ListByOrg(ctx context.Context, orgID string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies WHERE org_id = $1
		ORDER BY priority DESC, id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPolicies(rows)
}

func marshalPolicy(p *Policy) (rule, semantic []byte, err error) {
	rule, err = json.Marshal(p.Rule)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rule: %w", err)
	}
	semantic = []byte("null")
	if p.Semantic != nil {
		semantic, err = json.Marshal(p.Semantic)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal semantic: %w", err)
		}
	}
	return rule, semantic, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	p := &Policy{}
	var rule, semantic []byte
	err := row.Scan(&p.ID, &p.OrgID, &p.AgentDID, &p.Name, &p.Description,
		&p.Priority, &p.Active, &rule, &semantic, &p.Action, &p.Version,
		&p.PreviousVersionID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rule) > 0 {
		if err := json.Unmarshal(rule, &p.Rule); err != nil {
			return nil, fmt.Errorf("unmarshal rule: %w", err)
		}
	}
	if len(semantic) > 0 && string(semantic) != "null" {
		p.Semantic = &SemanticConfig{}
		if err := json.Unmarshal(semantic, p.Semantic); err != nil {
			return nil, fmt.Errorf("unmarshal semantic: %w", err)
		}
	}
	return p, nil
}

func scanPolicies(rows *sql.Rows) ([]*Policy, error) {
	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
