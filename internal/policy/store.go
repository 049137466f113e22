package policy

import (
	"context"
	"sync"
)

// Store defines the interface for policy persistence.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
	// ListActive returns active policies for the org, including
	// agent-scoped ones when agentDID is non-empty.
	ListActive(ctx context.Context, orgID, agentDID string) ([]*Policy, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Policy, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

func (s *MemoryStore) Create(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; !ok {
		return ErrPolicyNotFound
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context, orgID, agentDID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Policy
	for _, p := range s.policies {
		if p.OrgID != orgID || !p.Active {
			continue
		}
		if p.AgentDID != "" && p.AgentDID != agentDID {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Policy
	for _, p := range s.policies {
		if p.OrgID == orgID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
