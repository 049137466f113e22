package ratelimit

import (
	"context"
	"sync"
	"time"
)

// HistoryEntry is one committed transaction, kept short-term for the
// anomaly detector.
type HistoryEntry struct {
	AgentDID string    `json:"agentDid"`
	Amount   float64   `json:"amount"`
	At       time.Time `json:"at"`
}

// Store defines the interface for rate-limit persistence. PutWindow
// must be conditional on Window.Version and return ErrStaleWindow on a
// lost race.
type Store interface {
	GetWindow(ctx context.Context, agentDID string) (*Window, error)
	PutWindow(ctx context.Context, w *Window) error
	AddHistory(ctx context.Context, h *HistoryEntry) error
	HistorySince(ctx context.Context, agentDID string, since time.Time) ([]*HistoryEntry, error)
	PurgeHistory(ctx context.Context, before time.Time) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
	history []*HistoryEntry
}

// NewMemoryStore creates a new in-memory rate-limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

func (s *MemoryStore) GetWindow(_ context.Context, agentDID string) (*Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[agentDID]
	if !ok {
		return nil, ErrWindowNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) PutWindow(_ context.Context, w *Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.windows[w.AgentDID]; ok && existing.Version != w.Version {
		return ErrStaleWindow
	}
	cp := *w
	cp.Version++
	s.windows[w.AgentDID] = &cp
	return nil
}

func (s *MemoryStore) AddHistory(_ context.Context, h *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *MemoryStore) HistorySince(_ context.Context, agentDID string, since time.Time) ([]*HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*HistoryEntry
	for _, h := range s.history {
		if h.AgentDID == agentDID && !h.At.Before(since) {
			cp := *h
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) PurgeHistory(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	for _, h := range s.history {
		if !h.At.Before(before) {
			kept = append(kept, h)
		}
	}
	s.history = kept
	return nil
}

var _ Store = (*MemoryStore)(nil)
