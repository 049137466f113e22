package authz

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SpendAggregates sums an agent's approved spend over rolling periods
// ending at the query time: 24 hours, 7 days, 30 days, and all time.
type SpendAggregates struct {
	Day      float64
	Week     float64
	Month    float64
	Total    float64
	DayCount int
}

// TxnStore defines the interface for transaction record persistence.
type TxnStore interface {
	Create(ctx context.Context, t *TransactionRecord) error
	Get(ctx context.Context, id string) (*TransactionRecord, error)
	UpdateStatus(ctx context.Context, id string, status TxnStatus) error
	ListByAgent(ctx context.Context, orgID, agentDID string, limit int) ([]*TransactionRecord, error)
	AggregateSpend(ctx context.Context, orgID, agentDID string, now time.Time) (*SpendAggregates, error)
}

// MemoryTxnStore is an in-memory implementation of TxnStore.
type MemoryTxnStore struct {
	mu   sync.RWMutex
	txns map[string]*TransactionRecord
}

// NewMemoryTxnStore creates a new in-memory transaction store.
func NewMemoryTxnStore() *MemoryTxnStore {
	return &MemoryTxnStore{txns: make(map[string]*TransactionRecord)}
}

func (s *MemoryTxnStore) Create(_ context.Context, t *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.txns[t.ID] = &cp
	return nil
}

func (s *MemoryTxnStore) Get(_ context.Context, id string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTxnStore) UpdateStatus(_ context.Context, id string, status TxnStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return ErrTxnNotFound
	}
	t.Status = status
	return nil
}

func (s *MemoryTxnStore) ListByAgent(_ context.Context, orgID, agentDID string, limit int) ([]*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var result []*TransactionRecord
	for _, t := range s.txns {
		if t.OrgID == orgID && t.AgentDID == agentDID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryTxnStore) AggregateSpend(_ context.Context, orgID, agentDID string, now time.Time) (*SpendAggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := now.Add(-24 * time.Hour)
	week := now.Add(-7 * 24 * time.Hour)
	month := now.Add(-30 * 24 * time.Hour)
	agg := &SpendAggregates{}
	for _, t := range s.txns {
		if t.OrgID != orgID || t.AgentDID != agentDID || t.Status != TxnApproved {
			continue
		}
		agg.Total += t.Amount
		if !t.CreatedAt.Before(month) {
			agg.Month += t.Amount
		}
		if !t.CreatedAt.Before(week) {
			agg.Week += t.Amount
		}
		if !t.CreatedAt.Before(day) {
			agg.Day += t.Amount
			agg.DayCount++
		}
	}
	return agg, nil
}

var _ TxnStore = (*MemoryTxnStore)(nil)
