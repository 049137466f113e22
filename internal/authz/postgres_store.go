package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresTxnStore is a PostgreSQL-backed implementation of TxnStore.
type PostgresTxnStore struct {
	db *sql.DB
}

// NewPostgresTxnStore creates a transaction store backed by PostgreSQL.
func NewPostgresTxnStore(db *sql.DB) *PostgresTxnStore {
	return &PostgresTxnStore{db: db}
}

const txnColumns = `id, org_id, agent_did, amount, currency, merchant_id,
	COALESCE(merchant_name, ''), COALESCE(merchant_category, ''), COALESCE(reasoning, ''),
	status, decision, reason_codes, risk_score, COALESCE(mandate_id, ''),
	policy_snapshot, constraints, created_at, decided_at`

func (s *PostgresTxnStore) Create(ctx context.Context, t *TransactionRecord) error {
	snapshot, err := json.Marshal(t.PolicySnapshot)
	if err != nil {
		return fmt.Errorf("marshal policy snapshot: %w", err)
	}
	constraints, err := json.Marshal(t.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, org_id, agent_did, amount, currency, merchant_id,
			merchant_name, merchant_category, reasoning, status, decision, reason_codes,
			risk_score, mandate_id, policy_snapshot, constraints, created_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			$10, $11, $12, $13, NULLIF($14, ''), $15::JSONB, $16::JSONB, $17, $18)
	`, t.ID, t.OrgID, t.AgentDID, t.Amount, t.Currency, t.MerchantID,
		t.MerchantName, t.MerchantCategory, t.Reasoning, t.Status, t.Decision,
		pq.Array(t.ReasonCodes), t.RiskScore, t.MandateID, snapshot, constraints,
		t.CreatedAt, t.DecidedAt)
	return err
}

func (s *PostgresTxnStore) Get(ctx context.Context, id string) (*TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	return scanTxn(row)
}

func (s *PostgresTxnStore) UpdateStatus(ctx context.Context, id string, status TxnStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTxnNotFound
	}
	return nil
}

func (s *PostgresTxnStore) ListByAgent(ctx context.Context, orgID, agentDID string, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE org_id = $1 AND agent_did = $2
		ORDER BY created_at DESC LIMIT $3
	`, orgID, agentDID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TransactionRecord
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*TransactionRecord, error) {
	t := &TransactionRecord{}
	var snapshot, constraints []byte
	var codes pq.StringArray
	err := row.Scan(&t.ID, &t.OrgID, &t.AgentDID, &t.Amount, &t.Currency, &t.MerchantID,
		&t.MerchantName, &t.MerchantCategory, &t.Reasoning, &t.Status, &t.Decision,
		&codes, &t.RiskScore, &t.MandateID, &snapshot, &constraints, &t.CreatedAt, &t.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTxnNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ReasonCodes = codes
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if err := json.Unmarshal(snapshot, &t.PolicySnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal policy snapshot: %w", err)
		}
	}
	if len(constraints) > 0 && string(constraints) != "null" {
		if err := json.Unmarshal(constraints, &t.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshal constraints: %w", err)
		}
	}
	return t, nil
}

func (s *PostgresTxnStore) AggregateSpend(ctx context.Context, orgID, agentDID string, now time.Time) (*SpendAggregates, error) {
	agg := &SpendAggregates{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE created_at >= $3), 0),
			COALESCE(SUM(amount) FILTER (WHERE created_at >= $4), 0),
			COALESCE(SUM(amount) FILTER (WHERE created_at >= $5), 0),
			COALESCE(SUM(amount), 0),
			COUNT(*) FILTER (WHERE created_at >= $3)
		FROM transactions
		WHERE org_id = $1 AND agent_did = $2 AND status = $6
	`, orgID, agentDID,
		now.Add(-24*time.Hour), now.Add(-7*24*time.Hour), now.Add(-30*24*time.Hour),
		TxnApproved).
		Scan(&agg.Day, &agg.Week, &agg.Month, &agg.Total, &agg.DayCount)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

var _ TxnStore = (*PostgresTxnStore)(nil)
