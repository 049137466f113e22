package identity

import (
	"context"
	"sync"
	"time"
)

// Store defines the interface for agent persistence.
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	GetByDID(ctx context.Context, did string) (*Agent, error)
	GetByID(ctx context.Context, id string) (*Agent, error)
	Update(ctx context.Context, agent *Agent) error
	ListByOrg(ctx context.Context, orgID string) ([]*Agent, error)

	GetGlobalFreeze(ctx context.Context, orgID string) (*GlobalFreeze, error)
	SetGlobalFreeze(ctx context.Context, gf *GlobalFreeze) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byDID   map[string]*Agent
	byID    map[string]*Agent
	freezes map[string]*GlobalFreeze
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDID:   make(map[string]*Agent),
		byID:    make(map[string]*Agent),
		freezes: make(map[string]*GlobalFreeze),
	}
}

func (s *MemoryStore) Create(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byDID[agent.DID]; exists {
		return ErrAgentExists
	}
	cp := *agent
	s.byDID[cp.DID] = &cp
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByDID(_ context.Context, did string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.byDID[did]
	if !exists {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.byID[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byDID[agent.DID]; !exists {
		return ErrAgentNotFound
	}
	cp := *agent
	cp.UpdatedAt = time.Now()
	s.byDID[cp.DID] = &cp
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Agent
	for _, agent := range s.byDID {
		if agent.OrgID == orgID {
			cp := *agent
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetGlobalFreeze(_ context.Context, orgID string) (*GlobalFreeze, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gf, exists := s.freezes[orgID]
	if !exists {
		return &GlobalFreeze{OrgID: orgID, Active: false}, nil
	}
	cp := *gf
	return &cp, nil
}

func (s *MemoryStore) SetGlobalFreeze(_ context.Context, gf *GlobalFreeze) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *gf
	s.freezes[cp.OrgID] = &cp
	return nil
}
