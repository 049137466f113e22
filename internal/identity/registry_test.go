package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/guthwine/guthwine/internal/cache"
	"github.com/guthwine/guthwine/internal/did"
	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/keystore"
)

type recordedAudit struct {
	action  string
	payload map[string]any
}

type stubAuditor struct {
	records []recordedAudit
}

func (a *stubAuditor) Record(_ context.Context, _, _, _, action string, payload map[string]any) error {
	a.records = append(a.records, recordedAudit{action: action, payload: payload})
	return nil
}

func (a *stubAuditor) has(action string) bool {
	for _, r := range a.records {
		if r.action == action {
			return true
		}
	}
	return false
}

type stubCascader struct {
	issuers []string
}

func (c *stubCascader) RevokeByIssuer(_ context.Context, issuerDID, _ string) (int, error) {
	c.issuers = append(c.issuers, issuerDID)
	return 2, nil
}

func newTestRegistry(t *testing.T) (*Registry, *stubAuditor, *events.Memory) {
	t.Helper()
	ks, err := keystore.NewLocal("identity-test-secret-1234", "identity-test-salt", nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	bus := events.NewMemory()
	reg := NewRegistry(NewMemoryStore(), ks, cache.NewMemory(), bus, nil)
	auditor := &stubAuditor{}
	reg.SetAuditor(auditor)
	return reg, auditor, bus
}

func TestRegisterAgent(t *testing.T) {
	reg, auditor, bus := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "org_reg", "shopper", "", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if agent.Status != StatusActive || agent.Reputation != 100 {
		t.Errorf("status=%s reputation=%d", agent.Status, agent.Reputation)
	}
	if agent.Type != TypePrimary {
		t.Errorf("type = %s, want default PRIMARY", agent.Type)
	}
	if err := did.Validate(agent.DID); err != nil {
		t.Errorf("agent DID invalid: %v", err)
	}
	if agent.SealedPrivateKey == "" {
		t.Error("private key not sealed into the record")
	}

	if !auditor.has("agent.register") {
		t.Error("registration not audited")
	}
	history := bus.History()
	if len(history) == 0 || history[0].Type != events.TypeAgentCreated {
		t.Errorf("events = %v", history)
	}
}

func TestRegisterAgent_RequiresName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.RegisterAgent(context.Background(), "org", "", "", ""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRegisterAgent_UnknownOwner(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.RegisterAgent(context.Background(), "org", "sub", "did:guthwine:2j3k4m5n6p7q8r9s", TypeDelegated)
	if !errors.Is(err, ErrInvalidOwner) {
		t.Errorf("err = %v, want ErrInvalidOwner", err)
	}
}

func TestRegisterAgent_OwnerChain(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	owner, err := reg.RegisterAgent(ctx, "org", "owner", "", "")
	if err != nil {
		t.Fatalf("RegisterAgent owner: %v", err)
	}
	sub, err := reg.RegisterAgent(ctx, "org", "sub", owner.DID, TypeDelegated)
	if err != nil {
		t.Fatalf("RegisterAgent sub: %v", err)
	}
	if sub.OwnerDID != owner.DID {
		t.Errorf("owner = %s", sub.OwnerDID)
	}
}

func TestLookup_UsesCache(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.RegisterAgent(ctx, "org", "cached", "", "")

	// First lookup populates the cache, second is served from it.
	first, err := reg.Lookup(ctx, agent.DID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	second, err := reg.Lookup(ctx, agent.DID)
	if err != nil {
		t.Fatalf("Lookup cached: %v", err)
	}
	if first.DID != second.DID || second.Name != "cached" {
		t.Errorf("cached lookup mismatch: %v vs %v", first, second)
	}

	if _, err := reg.Lookup(ctx, "did:guthwine:2j3k4m5n6p7q8r9s"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("missing agent err = %v", err)
	}
}

func TestFreezeUnfreeze(t *testing.T) {
	reg, auditor, _ := newTestRegistry(t)
	cascader := &stubCascader{}
	reg.SetCascader(cascader)
	ctx := context.Background()

	agent, _ := reg.RegisterAgent(ctx, "org_fr", "target", "", "")

	if err := reg.Freeze(ctx, agent.DID, "suspicious volume", "ops"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	got, _ := reg.Lookup(ctx, agent.DID)
	if got.Status != StatusFrozen || got.Freeze == nil || got.Freeze.Reason != "suspicious volume" {
		t.Errorf("frozen agent = %+v", got)
	}
	if !auditor.has("agent.freeze") {
		t.Error("freeze not audited")
	}
	if len(cascader.issuers) != 1 || cascader.issuers[0] != agent.DID {
		t.Errorf("cascade issuers = %v", cascader.issuers)
	}

	if err := reg.Unfreeze(ctx, agent.DID, "ops"); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	got, _ = reg.Lookup(ctx, agent.DID)
	if got.Status != StatusActive || got.Freeze != nil {
		t.Errorf("unfrozen agent = %+v", got)
	}
}

func TestGlobalFreeze_SweepsAndRestores(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a1, _ := reg.RegisterAgent(ctx, "org_gf", "one", "", "")
	a2, _ := reg.RegisterAgent(ctx, "org_gf", "two", "", "")

	// An agent frozen individually keeps its own freeze metadata.
	if err := reg.Freeze(ctx, a2.DID, "manual", "ops"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	if err := reg.SetGlobalFreeze(ctx, "org_gf", true, "incident", "oncall"); err != nil {
		t.Fatalf("SetGlobalFreeze: %v", err)
	}
	active, err := reg.GlobalFreezeActive(ctx, "org_gf")
	if err != nil || !active {
		t.Fatalf("GlobalFreezeActive = %v, %v", active, err)
	}
	got, _ := reg.Lookup(ctx, a1.DID)
	if got.Status != StatusFrozen {
		t.Errorf("agent one status = %s", got.Status)
	}

	// Lifting the kill switch restores only agents it froze.
	if err := reg.SetGlobalFreeze(ctx, "org_gf", false, "incident", "oncall"); err != nil {
		t.Fatalf("lift SetGlobalFreeze: %v", err)
	}
	got, _ = reg.Lookup(ctx, a1.DID)
	if got.Status != StatusActive {
		t.Errorf("agent one status after lift = %s", got.Status)
	}
	got, _ = reg.Lookup(ctx, a2.DID)
	if got.Status != StatusFrozen {
		t.Errorf("manually frozen agent was thawed by the lift")
	}
}

func TestUpdateReputation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.RegisterAgent(ctx, "org_rep", "scored", "", "")

	for i := 0; i < 3; i++ {
		if err := reg.UpdateReputation(ctx, agent.DID, true, 10); err != nil {
			t.Fatalf("UpdateReputation: %v", err)
		}
	}
	if err := reg.UpdateReputation(ctx, agent.DID, false, 10); err != nil {
		t.Fatalf("UpdateReputation fail: %v", err)
	}

	got, _ := reg.Lookup(ctx, agent.DID)
	if got.SuccessfulTxns != 3 || got.FailedTxns != 1 {
		t.Errorf("txns = %d/%d", got.SuccessfulTxns, got.FailedTxns)
	}
	// 100 * 3 / 4
	if got.Reputation != 75 {
		t.Errorf("reputation = %d, want 75", got.Reputation)
	}
}
