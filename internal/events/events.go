// Package events provides the at-least-once publish capability used to
// fan out lifecycle and decision events.
//
// Known channels: agent.events, transaction.events, global.events.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/guthwine/guthwine/internal/idgen"
)

// Channel names.
const (
	ChannelAgent       = "agent.events"
	ChannelTransaction = "transaction.events"
	ChannelGlobal      = "global.events"
)

// Event types published by the core.
const (
	TypeAgentCreated        = "agent.created"
	TypeAgentFrozen         = "agent.frozen"
	TypeAgentUnfrozen       = "agent.unfrozen"
	TypeGlobalFreeze        = "global.freeze"
	TypeGlobalUnfreeze      = "global.unfreeze"
	TypeDelegationIssued    = "delegation.issued"
	TypeDelegationRevoked   = "delegation.revoked"
	TypeTxnApproved         = "transaction.approved"
	TypeTxnDenied           = "transaction.denied"
	TypeTxnRequiresReview   = "transaction.requires_review"
	TypeTxnFrozen           = "transaction.frozen"
	TypeTxnRequestAborted   = "transaction.request_aborted"
	TypeMandateIssued       = "mandate.issued"
	TypeMandateRevoked      = "mandate.revoked"
	TypeAuditRetentionSweep = "audit.retention_sweep"
)

// Event is a single bus message.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	OrgID     string         `json:"orgId,omitempty"`
	AgentDID  string         `json:"agentDid,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, orgID, agentDID string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		OrgID:     orgID,
		AgentDID:  agentDID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Bus is the at-least-once publish capability.
type Bus interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber receives events from the in-process bus.
type Subscriber func(channel string, event *Event)

// Memory is an in-process bus that fans out to registered subscribers.
// Delivery is synchronous; subscribers must not block.
type Memory struct {
	mu   sync.RWMutex
	subs []Subscriber

	history   []*Event
	keepCount int
}

// NewMemory creates an in-process bus retaining the last 1000 events.
func NewMemory() *Memory {
	return &Memory{keepCount: 1000}
}

// Subscribe registers a subscriber for all channels.
func (m *Memory) Subscribe(fn Subscriber) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

func (m *Memory) Publish(_ context.Context, channel string, event *Event) error {
	m.mu.Lock()
	m.history = append(m.history, event)
	if len(m.history) > m.keepCount {
		m.history = m.history[len(m.history)-m.keepCount:]
	}
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(channel, event)
	}
	return nil
}

// History returns retained events (for tests and the debug surface).
func (m *Memory) History() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, len(m.history))
	copy(out, m.history)
	return out
}

var _ Bus = (*Memory)(nil)
