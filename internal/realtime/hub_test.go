package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/guthwine/guthwine/internal/events"
)

func frame(channel string, e *events.Event) *Frame {
	return &Frame{Channel: channel, Event: e}
}

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}
	f := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "did:guthwine:abc", nil))
	if !client.wants(f) {
		t.Error("AllEvents client should receive everything")
	}
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{events.TypeTxnApproved, events.TypeTxnDenied},
	}}

	approved := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "", nil))
	frozen := frame(events.ChannelAgent, events.NewEvent(events.TypeAgentFrozen, "org_a", "", nil))

	if !client.wants(approved) {
		t.Error("should receive approved decisions")
	}
	if client.wants(frozen) {
		t.Error("should NOT receive freeze events")
	}
}

func TestWants_AgentAndOrgFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		AgentDIDs: []string{"did:guthwine:watched"},
		OrgIDs:    []string{"org_a"},
	}}

	matching := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "did:guthwine:watched", nil))
	wrongAgent := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "did:guthwine:other", nil))
	wrongOrg := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_b", "did:guthwine:watched", nil))

	if !client.wants(matching) {
		t.Error("should match watched agent in watched org")
	}
	if client.wants(wrongAgent) {
		t.Error("should NOT match other agents")
	}
	if client.wants(wrongOrg) {
		t.Error("should NOT match other orgs")
	}
}

func TestWants_MinAmountFilter(t *testing.T) {
	client := &Client{sub: Subscription{MinAmount: 100}}

	large := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "", map[string]any{"amount": 150.0}))
	small := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "", map[string]any{"amount": 25.0}))
	noAmount := frame(events.ChannelAgent, events.NewEvent(events.TypeAgentFrozen, "org_a", "", nil))

	if !client.wants(large) {
		t.Error("should receive large decision")
	}
	if client.wants(small) {
		t.Error("should NOT receive small decision")
	}
	if !client.wants(noAmount) {
		t.Error("filter should not apply to events without an amount")
	}
}

func TestWants_ChannelFilter(t *testing.T) {
	client := &Client{sub: Subscription{Channels: []string{events.ChannelAgent}}}

	agent := frame(events.ChannelAgent, events.NewEvent(events.TypeAgentFrozen, "org_a", "", nil))
	txn := frame(events.ChannelTransaction, events.NewEvent(events.TypeTxnApproved, "org_a", "", nil))

	if !client.wants(agent) {
		t.Error("should receive agent channel events")
	}
	if client.wants(txn) {
		t.Error("should NOT receive transaction channel events")
	}
}

func TestAttachBusForwardsEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	bus := events.NewMemory()
	hub.AttachBus(bus)

	if err := bus.Publish(context.Background(), events.ChannelTransaction,
		events.NewEvent(events.TypeTxnApproved, "org_a", "did:guthwine:abc", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for hub.totalEvents.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("event never reached the hub")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStats(t *testing.T) {
	hub := NewHub(nil)
	stats := hub.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients = %v, want 0", stats["connectedClients"])
	}
}
