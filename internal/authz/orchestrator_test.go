package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guthwine/guthwine/internal/audit"
	"github.com/guthwine/guthwine/internal/cache"
	"github.com/guthwine/guthwine/internal/clock"
	"github.com/guthwine/guthwine/internal/delegation"
	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/identity"
	"github.com/guthwine/guthwine/internal/keystore"
	"github.com/guthwine/guthwine/internal/mandate"
	"github.com/guthwine/guthwine/internal/policy"
	"github.com/guthwine/guthwine/internal/ratelimit"
	"github.com/guthwine/guthwine/internal/semantic"
)

const testOrg = "org_test"

type fixture struct {
	orch        *Orchestrator
	registry    *identity.Registry
	delegations *delegation.Service
	limiter     *ratelimit.Limiter
	policies    *policy.Engine
	issuer      *mandate.Issuer
	ledger      *audit.Ledger
	auditStore  *audit.MemoryStore
	txns        *MemoryTxnStore
	bus         *events.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := keystore.NewLocal("test-master-secret-0123456789", "test-salt", nil)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	serviceKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatalf("service key: %v", err)
	}

	bus := events.NewMemory()
	auditStore := audit.NewMemoryStore()
	ledger := audit.NewLedger(auditStore, keys, serviceKey, nil)

	registry := identity.NewRegistry(identity.NewMemoryStore(), keys, cache.NewMemory(), bus, nil)
	registry.SetAuditor(ledger)

	delegations := delegation.NewService(delegation.NewMemoryStore(), registry, keys, bus, nil)
	delegations.SetAuditor(ledger)
	registry.SetCascader(delegations)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), clock.System{}, nil)
	policies := policy.NewEngine(policy.NewMemoryStore(), cache.NewMemory(), nil)
	issuer := mandate.NewIssuer(keys, serviceKey, "guthwine", mandate.NewMemoryNonceStore(), nil)
	txns := NewMemoryTxnStore()

	return &fixture{
		orch:        NewOrchestrator(registry, delegations, limiter, policies, issuer, ledger, txns, bus, nil),
		registry:    registry,
		delegations: delegations,
		limiter:     limiter,
		policies:    policies,
		issuer:      issuer,
		ledger:      ledger,
		auditStore:  auditStore,
		txns:        txns,
		bus:         bus,
	}
}

func (f *fixture) agent(t *testing.T, name string) *identity.Agent {
	t.Helper()
	a, err := f.registry.RegisterAgent(context.Background(), testOrg, name, "", identity.TypePrimary)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a
}

func (f *fixture) policy(t *testing.T, p *policy.Policy) {
	t.Helper()
	if _, err := f.policies.Create(context.Background(), p); err != nil {
		t.Fatalf("create policy %s: %v", p.Name, err)
	}
}

func (f *fixture) spendPolicies(t *testing.T) {
	t.Helper()
	f.policy(t, policy.AmountCap(testOrg, 500))
	f.policy(t, policy.AllowedCurrencies(testOrg, []string{"USD"}))
}

func fp(v float64) *float64 { return &v }

func request(agentDID string, amount float64) *Request {
	return &Request{
		AgentDID:     agentDID,
		OrgID:        testOrg,
		Amount:       amount,
		Currency:     "USD",
		MerchantID:   "office_depot_001",
		MerchantName: "Office Depot",
		Reasoning:    "purchasing pens and paper for the quarterly office restock",
	}
}

func hasCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

func TestAuthorizeWithinLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")
	f.spendPolicies(t)

	last, err := f.auditStore.LastEntry(ctx, testOrg)
	if err != nil {
		t.Fatalf("last entry: %v", err)
	}
	prevSeq := last.Sequence

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 150))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Fatalf("decision = %s (%v), want ALLOW", resp.Decision, resp.Reasons)
	}
	if resp.Mandate == nil {
		t.Fatal("no mandate attached to ALLOW")
	}
	ttl := resp.Mandate.Claims.ExpiresAt.Time.Sub(resp.Mandate.Claims.IssuedAt.Time)
	if ttl != mandate.DefaultTTL {
		t.Errorf("mandate TTL = %v, want %v", ttl, mandate.DefaultTTL)
	}
	if resp.Mandate.Claims.Subject != agent.DID {
		t.Errorf("mandate subject = %s, want %s", resp.Mandate.Claims.Subject, agent.DID)
	}
	if resp.TransactionID == "" {
		t.Error("no transaction id")
	}

	txn, err := f.orch.GetTransaction(ctx, resp.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != TxnApproved {
		t.Errorf("txn status = %s, want APPROVED", txn.Status)
	}
	if txn.MandateID != resp.Mandate.Claims.ID {
		t.Errorf("txn mandate id = %s, want %s", txn.MandateID, resp.Mandate.Claims.ID)
	}

	last, err = f.auditStore.LastEntry(ctx, testOrg)
	if err != nil {
		t.Fatalf("last entry: %v", err)
	}
	if last.Sequence <= prevSeq {
		t.Errorf("audit sequence did not advance: %d -> %d", prevSeq, last.Sequence)
	}
	if last.Action != "transaction.approved" {
		t.Errorf("last audit action = %s, want transaction.approved", last.Action)
	}
}

func TestAuthorizeDeniedByPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")
	f.spendPolicies(t)

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 1000))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want DENY", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, "AMOUNT_EXCEEDS_CAP") {
		t.Errorf("reason codes = %v, want AMOUNT_EXCEEDS_CAP", resp.ReasonCodes)
	}
	if resp.Mandate != nil {
		t.Error("mandate attached to DENY")
	}
	if resp.RiskScore < riskPolicyDeny {
		t.Errorf("risk = %d, want >= %d", resp.RiskScore, riskPolicyDeny)
	}

	txn, err := f.orch.GetTransaction(ctx, resp.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != TxnDenied {
		t.Errorf("txn status = %s, want DENIED", txn.Status)
	}
}

func TestAuthorizeWithDelegationChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.agent(t, "treasury")
	worker := f.agent(t, "intern-bot")
	f.spendPolicies(t)

	tok, err := f.delegations.Issue(ctx, delegation.IssueRequest{
		OrgID:        testOrg,
		IssuerDID:    parent.DID,
		RecipientDID: worker.DID,
		Constraints: &delegation.Constraints{
			MaxAmount:         fp(200),
			AllowedCurrencies: []string{"USD"},
			AllowedCategories: []string{"office"},
		},
	})
	if err != nil {
		t.Fatalf("issue delegation: %v", err)
	}

	req := request(worker.DID, 75)
	req.MerchantCategory = "office"
	req.DelegationChain = []string{tok.ID}

	resp, err := f.orch.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Fatalf("decision = %s (%v), want ALLOW", resp.Decision, resp.Reasons)
	}
	chain := resp.Mandate.Claims.Guthwine.DelegationChain
	if len(chain) != 1 || chain[0] != tok.ID {
		t.Errorf("mandate delegation chain = %v, want [%s]", chain, tok.ID)
	}
	got := resp.Mandate.Claims.Guthwine.Constraints
	if got == nil || got.MaxAmount == nil || *got.MaxAmount != 200 {
		t.Errorf("mandate constraints = %+v, want maxAmount 200", got)
	}
}

func TestAuthorizeDelegatedAmountOverCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.agent(t, "treasury")
	worker := f.agent(t, "intern-bot")
	f.spendPolicies(t)

	tok, err := f.delegations.Issue(ctx, delegation.IssueRequest{
		OrgID:        testOrg,
		IssuerDID:    parent.DID,
		RecipientDID: worker.DID,
		Constraints:  &delegation.Constraints{MaxAmount: fp(200)},
	})
	if err != nil {
		t.Fatalf("issue delegation: %v", err)
	}

	req := request(worker.DID, 300)
	req.DelegationChain = []string{tok.ID}

	resp, err := f.orch.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want DENY", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, delegation.CodeAmountExceedsCap) {
		t.Errorf("reason codes = %v, want %s", resp.ReasonCodes, delegation.CodeAmountExceedsCap)
	}
	if resp.Mandate != nil {
		t.Error("mandate attached to DENY")
	}
}

func TestAuthorizeDelegatedTotalSpendAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.agent(t, "treasury")
	worker := f.agent(t, "intern-bot")

	tok, err := f.delegations.Issue(ctx, delegation.IssueRequest{
		OrgID:        testOrg,
		IssuerDID:    parent.DID,
		RecipientDID: worker.DID,
		Constraints:  &delegation.Constraints{MaxTotalSpend: fp(100)},
	})
	if err != nil {
		t.Fatalf("issue delegation: %v", err)
	}

	req := request(worker.DID, 60)
	req.DelegationChain = []string{tok.ID}

	resp, err := f.orch.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Fatalf("first decision = %s (%v), want ALLOW", resp.Decision, resp.Reasons)
	}

	// The second request fits the cap on its own but not on top of the
	// already-approved spend.
	req = request(worker.DID, 60)
	req.DelegationChain = []string{tok.ID}
	resp, err = f.orch.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("second decision = %s, want DENY at cumulative spend 120 over cap 100", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, delegation.CodeTotalSpendExceeded) {
		t.Errorf("reason codes = %v, want %s", resp.ReasonCodes, delegation.CodeTotalSpendExceeded)
	}
}

func TestPolicySeesCumulativeWeeklySpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")

	f.policy(t, &policy.Policy{
		OrgID:    testOrg,
		Name:     "WEEKLY_SPEND_EXCEEDED",
		Priority: 100,
		Action:   policy.ActionDeny,
		Rule:     map[string]any{">": []any{map[string]any{"var": "agent.spendWeek"}, 50.0}},
	})

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 60))
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Fatalf("first decision = %s (%v), want ALLOW", resp.Decision, resp.Reasons)
	}

	resp, err = f.orch.Authorize(ctx, request(agent.DID, 10))
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("second decision = %s, want DENY once weekly spend reached 60", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, "WEEKLY_SPEND_EXCEEDED") {
		t.Errorf("reason codes = %v, want WEEKLY_SPEND_EXCEEDED", resp.ReasonCodes)
	}
}

func TestFrozenAgentNeverGetsMandate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "rogue-bot")

	if err := f.registry.Freeze(ctx, agent.DID, "manual review", "admin@example.com"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 10))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionFrozen {
		t.Fatalf("decision = %s, want FROZEN", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, CodeAgentFrozen) {
		t.Errorf("reason codes = %v, want %s", resp.ReasonCodes, CodeAgentFrozen)
	}
	if resp.Mandate != nil {
		t.Error("frozen agent received a mandate")
	}

	if err := f.registry.Unfreeze(ctx, agent.DID, "admin@example.com"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	resp, err = f.orch.Authorize(ctx, request(agent.DID, 10))
	if err != nil {
		t.Fatalf("authorize after unfreeze: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Errorf("decision after unfreeze = %s (%v), want ALLOW", resp.Decision, resp.Reasons)
	}
}

func TestGlobalFreezeDeniesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")

	if err := f.registry.SetGlobalFreeze(ctx, testOrg, true, "incident response", "secops"); err != nil {
		t.Fatalf("set global freeze: %v", err)
	}

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 10))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want DENY", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, CodeGlobalFreeze) {
		t.Errorf("reason codes = %v, want %s", resp.ReasonCodes, CodeGlobalFreeze)
	}
}

func TestUnknownAgentDenied(t *testing.T) {
	f := newFixture(t)
	resp, err := f.orch.Authorize(context.Background(), request("did:guthwine:2j3k4m5n6p7q8r9s", 10))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionDeny || !hasCode(resp.ReasonCodes, CodeAgentNotFound) {
		t.Errorf("got %s %v, want DENY with %s", resp.Decision, resp.ReasonCodes, CodeAgentNotFound)
	}
}

func TestInvalidAmountRejected(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, "procurement-bot")
	if _, err := f.orch.Authorize(context.Background(), request(agent.DID, 0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestMandateReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 50))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Fatalf("decision = %s (%v), want ALLOW", resp.Decision, resp.Reasons)
	}

	claims, err := f.issuer.Verify(ctx, resp.Mandate.Token)
	if err != nil {
		t.Fatalf("first verification: %v", err)
	}
	if len(claims.Guthwine.Nonce) < 32 {
		t.Errorf("nonce too short: %q", claims.Guthwine.Nonce)
	}

	if _, err := f.issuer.Verify(ctx, resp.Mandate.Token); !errors.Is(err, mandate.ErrNonceReplay) {
		t.Errorf("replay err = %v, want ErrNonceReplay", err)
	}
}

// ctxSensitiveTxnStore fails writes once the context is done, matching
// how the SQL-backed store behaves under caller cancellation.
type ctxSensitiveTxnStore struct {
	TxnStore
}

func (s ctxSensitiveTxnStore) Create(ctx context.Context, t *TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.TxnStore.Create(ctx, t)
}

func TestMintedMandateCommittedAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.orch.txns = ctxSensitiveTxnStore{f.txns}
	agent := f.agent(t, "procurement-bot")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 50))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllow || resp.Mandate == nil {
		t.Fatalf("decision = %s (%v), want ALLOW with mandate", resp.Decision, resp.Reasons)
	}

	// The mandate was minted, so the transaction record and the audit
	// entry must have been written despite the dead caller context.
	txn, err := f.txns.Get(context.Background(), resp.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.MandateID != resp.Mandate.Claims.ID {
		t.Errorf("txn mandate id = %s, want %s", txn.MandateID, resp.Mandate.Claims.ID)
	}
	last, err := f.auditStore.LastEntry(context.Background(), testOrg)
	if err != nil {
		t.Fatalf("last entry: %v", err)
	}
	if last.Action != "transaction.approved" {
		t.Errorf("last audit action = %s, want transaction.approved", last.Action)
	}
}

func TestSemanticViolationDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")

	eval := &semantic.StaticEvaluator{ForbiddenTerms: []string{"gambling"}}
	f.orch.WithSemantic(semantic.NewChecker(eval, cache.NewMemory(), nil), 0.7, true)

	f.policy(t, &policy.Policy{
		OrgID:    testOrg,
		Name:     "business-purchases-only",
		Priority: 10,
		Action:   policy.ActionAllow,
		Rule:     map[string]any{">": []any{map[string]any{"var": "amount"}, 0.0}},
		Semantic: &policy.SemanticConfig{Clause: "purchases must serve a legitimate business purpose"},
	})

	req := request(agent.DID, 50)
	req.Reasoning = "placing bets on the office gambling pool"

	resp, err := f.orch.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want DENY", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, CodeSemanticViolation) {
		t.Errorf("reason codes = %v, want %s", resp.ReasonCodes, CodeSemanticViolation)
	}
}

func TestSemanticFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")

	eval := &semantic.StaticEvaluator{Err: errors.New("upstream model unavailable")}
	f.orch.WithSemantic(semantic.NewChecker(eval, cache.NewMemory(), nil), 0.7, true)

	f.policy(t, &policy.Policy{
		OrgID:    testOrg,
		Name:     "business-purchases-only",
		Priority: 10,
		Action:   policy.ActionAllow,
		Rule:     map[string]any{">": []any{map[string]any{"var": "amount"}, 0.0}},
		Semantic: &policy.SemanticConfig{Clause: "purchases must serve a legitimate business purpose"},
	})

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 50))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionRequiresReview {
		t.Fatalf("decision = %s, want REQUIRES_REVIEW", resp.Decision)
	}
	if !hasCode(resp.ReasonCodes, CodeSemanticFailure) {
		t.Errorf("reason codes = %v, want %s", resp.ReasonCodes, CodeSemanticFailure)
	}
	if resp.RiskScore < riskSemanticFailure {
		t.Errorf("risk = %d, want >= %d", resp.RiskScore, riskSemanticFailure)
	}
	if resp.Mandate != nil {
		t.Error("mandate attached to REQUIRES_REVIEW")
	}

	txn, err := f.orch.GetTransaction(ctx, resp.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != TxnPending {
		t.Errorf("txn status = %s, want PENDING", txn.Status)
	}
}

func TestConcurrentAuthorizationsHoldSpendCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "racer-bot")
	f.limiter.WithLimits(time.Hour, 500, 100)
	f.limiter.WithAnomalyThresholds(5*time.Minute, 1e9, 1e9)

	var wg sync.WaitGroup
	decisions := make([]Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.orch.Authorize(ctx, request(agent.DID, 300))
			if err != nil {
				t.Errorf("authorize %d: %v", i, err)
				return
			}
			decisions[i] = resp.Decision
		}(i)
	}
	wg.Wait()

	allows := 0
	for _, d := range decisions {
		if d == DecisionAllow {
			allows++
		}
	}
	if allows != 1 {
		t.Errorf("allows = %d (%v), want exactly 1 under a 500 cap", allows, decisions)
	}
}

func TestLedgerIntegrityOverMixedDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "busy-bot")
	f.spendPolicies(t)
	f.limiter.WithLimits(time.Hour, 1e12, 1<<30)
	f.limiter.WithAnomalyThresholds(5*time.Minute, 1e12, 1e12)

	for i := 0; i < 1000; i++ {
		req := request(agent.DID, float64(10+i%700))
		if i%3 == 0 {
			req.Currency = "EUR" // denied by currency policy
		}
		if _, err := f.orch.Authorize(ctx, req); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
	}

	report, err := f.ledger.VerifyIntegrity(ctx, testOrg, 0, 0, true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("ledger invalid: %v", report.Errors)
	}
	if report.EntriesChecked < 1000 {
		t.Fatalf("entries checked = %d, want >= 1000", report.EntriesChecked)
	}

	tamperedSeq := int64(report.EntriesChecked / 2)
	if !f.auditStore.TamperWith(testOrg, tamperedSeq, "amount", 999999.0) {
		t.Fatalf("no entry at sequence %d", tamperedSeq)
	}

	report, err = f.ledger.VerifyIntegrity(ctx, testOrg, 0, 0, true)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered ledger reported valid")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", report.Errors)
	}
	if report.Errors[0].Sequence != tamperedSeq {
		t.Errorf("error at sequence %d, want %d", report.Errors[0].Sequence, tamperedSeq)
	}
}

func TestDecisionEventPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "procurement-bot")

	resp, err := f.orch.Authorize(ctx, request(agent.DID, 50))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW", resp.Decision)
	}

	found := false
	for _, e := range f.bus.History() {
		if e.Type == events.TypeTxnApproved && e.AgentDID == agent.DID {
			found = true
			break
		}
	}
	if !found {
		t.Error("no transaction.approved event on the transaction channel")
	}
}
