package delegation

import (
	"context"
	"sync"
	"time"
)

// Store defines the interface for delegation token persistence.
type Store interface {
	Create(ctx context.Context, t *Token) error
	Get(ctx context.Context, id string) (*Token, error)
	Update(ctx context.Context, t *Token) error
	ListByIssuer(ctx context.Context, orgID, issuerDID string, activeOnly bool) ([]*Token, error)
	ListByRecipient(ctx context.Context, orgID, recipientDID string, activeOnly bool) ([]*Token, error)
	ListChildren(ctx context.Context, parentID string) ([]*Token, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewMemoryStore creates a new in-memory delegation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (s *MemoryStore) Create(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; !ok {
		return ErrTokenNotFound
	}
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByIssuer(_ context.Context, orgID, issuerDID string, activeOnly bool) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(t *Token) bool {
		return (orgID == "" || t.OrgID == orgID) && t.IssuerDID == issuerDID && (!activeOnly || isActive(t))
	}), nil
}

func (s *MemoryStore) ListByRecipient(_ context.Context, orgID, recipientDID string, activeOnly bool) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(t *Token) bool {
		return t.OrgID == orgID && t.RecipientDID == recipientDID && (!activeOnly || isActive(t))
	}), nil
}

func (s *MemoryStore) ListChildren(_ context.Context, parentID string) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(t *Token) bool { return t.ParentID == parentID }), nil
}

func (s *MemoryStore) filter(keep func(*Token) bool) []*Token {
	var result []*Token
	for _, t := range s.tokens {
		if keep(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result
}

func isActive(t *Token) bool {
	return !t.Revoked && time.Now().Before(t.ExpiresAt)
}

var _ Store = (*MemoryStore)(nil)
