package audit

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
// The UNIQUE (org_id, sequence_number) constraint is what makes
// concurrent appends safe: the loser of a race gets ErrSequenceTaken
// and the ledger retries under its org lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, org_id, sequence_number, actor_type, COALESCE(actor_id, ''),
	action, payload, previous_hash, entry_hash, signature, severity, retain_until, created_at`

func (s *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, org_id, sequence_number, actor_type, actor_id,
			action, payload, previous_hash, entry_hash, signature, severity, retain_until, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7::JSONB, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.OrgID, e.Sequence, e.ActorType, e.ActorID,
		e.Action, payload, e.PrevHash, e.EntryHash, e.Signature, e.Severity, e.RetainUntil, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSequenceTaken
		}
		return err
	}
	return nil
}

func (s *PostgresStore) LastEntry(ctx context.Context, orgID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM audit_entries
		WHERE org_id = $1 ORDER BY sequence_number DESC LIMIT 1
	`, orgID)
	return scanEntry(row)
}

func (s *PostgresStore) GetBySequence(ctx context.Context, orgID string, seq int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM audit_entries
		WHERE org_id = $1 AND sequence_number = $2
	`, orgID, seq)
	return scanEntry(row)
}

func (s *PostgresStore) ListRange(ctx context.Context, orgID string, startSeq, endSeq int64) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries
		WHERE org_id = $1 AND sequence_number >= $2`
	args := []any{orgID, startSeq}
	if endSeq > 0 {
		query += ` AND sequence_number <= $3`
		args = append(args, endSeq)
	}
	query += ` ORDER BY sequence_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *PostgresStore) ListByAction(ctx context.Context, orgID, action string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if action != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM audit_entries
			WHERE org_id = $1 AND action = $2
			ORDER BY sequence_number DESC LIMIT $3
		`, orgID, action, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM audit_entries
			WHERE org_id = $1 ORDER BY sequence_number DESC LIMIT $2
		`, orgID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *PostgresStore) ListOrgs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT org_id FROM audit_entries ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE retain_until < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveRoot(ctx context.Context, root *MerkleRoot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_roots (id, org_id, root_hash, start_seq, end_seq, entry_count,
			signature, anchored_to, anchored_at, anchor_tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11)
	`, root.ID, root.OrgID, root.RootHash, root.StartSeq, root.EndSeq, root.EntryCount,
		root.Signature, root.AnchoredTo, nullTime(root.AnchoredAt), root.AnchorTxHash, root.CreatedAt)
	return err
}

func (s *PostgresStore) LastRoot(ctx context.Context, orgID string) (*MerkleRoot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, root_hash, start_seq, end_seq, entry_count, signature,
			COALESCE(anchored_to, ''), anchored_at, COALESCE(anchor_tx_hash, ''), created_at
		FROM merkle_roots WHERE org_id = $1 ORDER BY end_seq DESC LIMIT 1
	`, orgID)
	return scanRoot(row)
}

func (s *PostgresStore) ListRoots(ctx context.Context, orgID string) ([]*MerkleRoot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, root_hash, start_seq, end_seq, entry_count, signature,
			COALESCE(anchored_to, ''), anchored_at, COALESCE(anchor_tx_hash, ''), created_at
		FROM merkle_roots WHERE org_id = $1 ORDER BY end_seq
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var roots []*MerkleRoot
	for rows.Next() {
		r, err := scanRoot(rows)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r)
	}
	return roots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var payload []byte
	err := row.Scan(&e.ID, &e.OrgID, &e.Sequence, &e.ActorType, &e.ActorID,
		&e.Action, &payload, &e.PrevHash, &e.EntryHash, &e.Signature,
		&e.Severity, &e.RetainUntil, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanRoot(row rowScanner) (*MerkleRoot, error) {
	r := &MerkleRoot{}
	var anchoredAt sql.NullTime
	err := row.Scan(&r.ID, &r.OrgID, &r.RootHash, &r.StartSeq, &r.EndSeq, &r.EntryCount,
		&r.Signature, &r.AnchoredTo, &anchoredAt, &r.AnchorTxHash, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if anchoredAt.Valid {
		r.AnchoredAt = anchoredAt.Time
	}
	return r, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ Store = (*PostgresStore)(nil)
