package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store defines the interface for audit persistence.
// AppendEntry must reject duplicate (org, sequence) pairs so two racing
// writers can never both land on the same chain position.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	LastEntry(ctx context.Context, orgID string) (*Entry, error)
	GetBySequence(ctx context.Context, orgID string, seq int64) (*Entry, error)
	ListRange(ctx context.Context, orgID string, startSeq, endSeq int64) ([]*Entry, error)
	ListByAction(ctx context.Context, orgID, action string, limit int) ([]*Entry, error)
	ListOrgs(ctx context.Context) ([]string, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	SaveRoot(ctx context.Context, root *MerkleRoot) error
	LastRoot(ctx context.Context, orgID string) (*MerkleRoot, error)
	ListRoots(ctx context.Context, orgID string) ([]*MerkleRoot, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // orgID -> ordered by sequence
	roots   map[string][]*MerkleRoot
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]*Entry),
		roots:   make(map[string][]*MerkleRoot),
	}
}

func (s *MemoryStore) AppendEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.entries[e.OrgID]
	for _, existing := range chain {
		if existing.Sequence == e.Sequence {
			return ErrSequenceTaken
		}
	}
	cp := *e
	s.entries[e.OrgID] = append(chain, &cp)
	return nil
}

func (s *MemoryStore) LastEntry(_ context.Context, orgID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[orgID]
	if len(chain) == 0 {
		return nil, ErrEntryNotFound
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *MemoryStore) GetBySequence(_ context.Context, orgID string, seq int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries[orgID] {
		if e.Sequence == seq {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (s *MemoryStore) ListRange(_ context.Context, orgID string, startSeq, endSeq int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for _, e := range s.entries[orgID] {
		if e.Sequence >= startSeq && (endSeq <= 0 || e.Sequence <= endSeq) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (s *MemoryStore) ListByAction(_ context.Context, orgID, action string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	chain := s.entries[orgID]
	var result []*Entry
	for i := len(chain) - 1; i >= 0 && len(result) < limit; i-- {
		if action == "" || chain[i].Action == action {
			cp := *chain[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListOrgs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgs := make([]string, 0, len(s.entries))
	for org := range s.entries {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for org, chain := range s.entries {
		kept := chain[:0]
		for _, e := range chain {
			if !e.RetainUntil.IsZero() && e.RetainUntil.Before(before) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.entries[org] = kept
	}
	return removed, nil
}

func (s *MemoryStore) SaveRoot(_ context.Context, root *MerkleRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *root
	s.roots[root.OrgID] = append(s.roots[root.OrgID], &cp)
	return nil
}

func (s *MemoryStore) LastRoot(_ context.Context, orgID string) (*MerkleRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roots := s.roots[orgID]
	if len(roots) == 0 {
		return nil, ErrEntryNotFound
	}
	cp := *roots[len(roots)-1]
	return &cp, nil
}

func (s *MemoryStore) ListRoots(_ context.Context, orgID string) ([]*MerkleRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*MerkleRoot, 0, len(s.roots[orgID]))
	for _, r := range s.roots[orgID] {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

// TamperWith overwrites one payload field in place (tests only).
func (s *MemoryStore) TamperWith(orgID string, seq int64, key string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries[orgID] {
		if e.Sequence == seq {
			if e.Payload == nil {
				e.Payload = map[string]any{}
			}
			e.Payload[key] = value
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
