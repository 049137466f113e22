package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/guthwine/guthwine/internal/audit"
	"github.com/guthwine/guthwine/internal/clock"
	"github.com/guthwine/guthwine/internal/delegation"
	"github.com/guthwine/guthwine/internal/did"
	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/identity"
	"github.com/guthwine/guthwine/internal/idgen"
	"github.com/guthwine/guthwine/internal/mandate"
	"github.com/guthwine/guthwine/internal/metrics"
	"github.com/guthwine/guthwine/internal/policy"
	"github.com/guthwine/guthwine/internal/ratelimit"
	"github.com/guthwine/guthwine/internal/semantic"
)

// Orchestrator composes the full authorization pipeline. It holds no
// per-request state; parallelism is across requests.
type Orchestrator struct {
	registry    *identity.Registry
	delegations *delegation.Service
	limiter     *ratelimit.Limiter
	policies    *policy.Engine
	issuer      *mandate.Issuer
	ledger      *audit.Ledger
	txns        TxnStore
	bus         events.Bus
	clk         clock.Clock
	logger      *slog.Logger

	semantic          *semantic.Checker
	semanticThreshold float64
	semanticFailClose bool
	autoFreeze        bool
}

// NewOrchestrator wires the pipeline. The semantic checker is optional.
func NewOrchestrator(
	registry *identity.Registry,
	delegations *delegation.Service,
	limiter *ratelimit.Limiter,
	policies *policy.Engine,
	issuer *mandate.Issuer,
	ledger *audit.Ledger,
	txns TxnStore,
	bus events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:          registry,
		delegations:       delegations,
		limiter:           limiter,
		policies:          policies,
		issuer:            issuer,
		ledger:            ledger,
		txns:              txns,
		bus:               bus,
		clk:               clock.System{},
		logger:            logger,
		semanticThreshold: 0.7,
		semanticFailClose: true,
		autoFreeze:        true,
	}
}

// WithSemantic wires the semantic checker and its confidence threshold.
func (o *Orchestrator) WithSemantic(c *semantic.Checker, threshold float64, failClosed bool) *Orchestrator {
	o.semantic = c
	if threshold > 0 {
		o.semanticThreshold = threshold
	}
	o.semanticFailClose = failClosed
	return o
}

// WithAutoFreeze toggles anomaly-triggered freezing.
func (o *Orchestrator) WithAutoFreeze(enabled bool) *Orchestrator {
	o.autoFreeze = enabled
	return o
}

// WithClock overrides the time source (tests).
func (o *Orchestrator) WithClock(clk clock.Clock) *Orchestrator {
	if clk != nil {
		o.clk = clk
	}
	return o
}

// Authorize runs one request through the pipeline and returns the
// decision. Denials and freezes are normal outcomes, not errors; an
// error return means the pipeline itself failed.
func (o *Orchestrator) Authorize(ctx context.Context, req *Request) (*Response, error) {
	start := o.clk.Now()
	resp, err := o.authorize(ctx, req, start)
	if err != nil {
		o.recordSystemError(ctx, req, err)
		return nil, err
	}
	metrics.ObserveAuthorization(string(resp.Decision), o.clk.Now().Sub(start).Seconds())
	return resp, nil
}

func (o *Orchestrator) authorize(ctx context.Context, req *Request, start time.Time) (*Response, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := did.Validate(req.AgentDID); err != nil {
		return nil, err
	}

	// 1. Organization-wide kill switch.
	frozen, err := o.registry.GlobalFreezeActive(ctx, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("authz: global freeze check: %w", err)
	}
	if frozen {
		return o.finalize(ctx, req, &Response{
			Decision:    DecisionDeny,
			Reasons:     []string{"organization is globally frozen"},
			ReasonCodes: []string{CodeGlobalFreeze},
		}, start)
	}

	// 2. Agent resolution and freeze check.
	agent, err := o.registry.Lookup(ctx, req.AgentDID)
	if errors.Is(err, identity.ErrAgentNotFound) {
		return o.finalize(ctx, req, &Response{
			Decision:    DecisionDeny,
			Reasons:     []string{"agent is not registered"},
			ReasonCodes: []string{CodeAgentNotFound},
		}, start)
	}
	if err != nil {
		return nil, fmt.Errorf("authz: agent lookup: %w", err)
	}
	if agent.Status == identity.StatusFrozen || agent.Status == identity.StatusRevoked {
		return o.finalize(ctx, req, &Response{
			Decision:    DecisionFrozen,
			Reasons:     []string{"agent is frozen"},
			ReasonCodes: []string{CodeAgentFrozen},
		}, start)
	}

	// 3. Delegation chain verification.
	var effective *delegation.Constraints
	if len(req.DelegationChain) > 0 {
		chain, err := o.delegations.VerifyChain(ctx, req.DelegationChain, req.AgentDID)
		if err != nil {
			return nil, fmt.Errorf("authz: chain verification: %w", err)
		}
		if !chain.OK {
			return o.finalize(ctx, req, &Response{
				Decision:    DecisionDeny,
				Reasons:     []string{"delegation chain invalid"},
				ReasonCodes: chain.ReasonCodes,
			}, start)
		}
		effective = chain.EffectiveConstraints
	}

	// 4. Rate limit; anomaly detection on breach.
	check, err := o.limiter.Check(ctx, req.AgentDID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("authz: rate limit check: %w", err)
	}
	if !check.Allowed {
		report, err := o.limiter.Detect(ctx, req.AgentDID)
		if err != nil {
			return nil, fmt.Errorf("authz: anomaly detection: %w", err)
		}
		if report.Anomalous && o.autoFreeze {
			if err := o.registry.Freeze(ctx, req.AgentDID, CodeAnomalousBehavior, "system"); err != nil {
				o.logger.Warn("auto-freeze failed", "agent", req.AgentDID, "error", err)
			}
			metrics.IncAutoFreeze()
			return o.finalize(ctx, req, &Response{
				Decision:    DecisionFrozen,
				Reasons:     []string{fmt.Sprintf("anomalous behavior: %.1f tx/min, %.1f units/min", report.Velocity, report.SpendRate)},
				ReasonCodes: []string{CodeAnomalousBehavior},
			}, start)
		}
		return o.finalize(ctx, req, &Response{
			Decision:    DecisionDeny,
			Reasons:     []string{"rate limit exceeded"},
			ReasonCodes: []string{CodeRateLimit},
		}, start)
	}

	// 5. Constraint caps and policy evaluation over the context document.
	// Period spend comes from the approved transaction history; the
	// rate-limit window is too short to back the daily and longer caps.
	now := o.clk.Now()
	spend, err := o.txns.AggregateSpend(ctx, req.OrgID, req.AgentDID, now)
	if err != nil {
		return nil, fmt.Errorf("authz: spend aggregation: %w", err)
	}
	data := o.buildContext(req, agent, spend, effective, now)

	var reasons, codes []string
	denied := false

	constraintCodes := effective.Evaluate(delegation.CheckContext{
		Amount:     req.Amount,
		Currency:   req.Currency,
		MerchantID: req.MerchantID,
		Category:   req.MerchantCategory,
		Reason:     req.Reasoning,
		Now:        now,
		SpendToday: spend.Day,
		SpendWeek:  spend.Week,
		SpendMonth: spend.Month,
		SpendTotal: spend.Total,
		UsageCount: check.Count,
	})
	if len(constraintCodes) > 0 {
		denied = true
		codes = append(codes, constraintCodes...)
		reasons = append(reasons, "delegation constraints violated")
	}

	polRes, err := o.policies.Evaluate(ctx, req.OrgID, req.AgentDID, data)
	if err != nil {
		return nil, fmt.Errorf("authz: policy evaluation: %w", err)
	}
	if polRes.Action == policy.ActionDeny {
		denied = true
		codes = append(codes, polRes.DenyPolicy)
		reasons = append(reasons, "denied by policy "+polRes.DenyPolicy)
	}

	// 6. Semantic check, fail-closed.
	risk := 0
	if denied {
		risk += riskPolicyDeny
	}
	for _, a := range polRes.Actions {
		if a == policy.ActionFlag {
			risk += riskPolicyFlag
			break
		}
	}

	semanticFailed := false
	clauses := append([]string(nil), polRes.SemanticClauses...)
	if effective != nil && effective.SemanticConstraint != "" {
		clauses = append(clauses, effective.SemanticConstraint)
	}
	if o.semantic != nil && len(clauses) > 0 {
		verdict, err := o.semantic.Check(ctx, semantic.Input{
			Clauses:      clauses,
			Reasoning:    req.Reasoning,
			Amount:       req.Amount,
			Currency:     req.Currency,
			MerchantName: req.MerchantName,
			AgentName:    agent.Name,
		})
		switch {
		case err != nil && o.semanticFailClose:
			semanticFailed = true
			if risk < riskSemanticFailure {
				risk = riskSemanticFailure
			}
			codes = append(codes, CodeSemanticFailure)
			reasons = append(reasons, "semantic evaluator unavailable")
			o.logger.Warn("semantic evaluation failed closed", "error", err)
		case err != nil:
			o.logger.Warn("semantic evaluation failed open", "error", err)
		case !verdict.Compliant:
			denied = true
			risk += riskSemanticBreach
			codes = append(codes, CodeSemanticViolation)
			reasons = append(reasons, "semantic violation: "+verdict.Reasoning)
		case verdict.Confidence < o.semanticThreshold:
			risk += riskLowConfidence
			reasons = append(reasons, "low semantic confidence")
		}
	}

	// 7. Risk score and decision.
	if risk > maxRiskScore {
		risk = maxRiskScore
	}
	resp := &Response{Reasons: reasons, ReasonCodes: codes, RiskScore: risk}
	switch {
	case denied:
		resp.Decision = DecisionDeny
	case semanticFailed || risk >= reviewRiskThreshold:
		resp.Decision = DecisionRequiresReview
	default:
		resp.Decision = DecisionAllow
	}

	// 8. Mint and commit on ALLOW.
	if resp.Decision == DecisionAllow {
		m, err := o.issuer.Issue(ctx, mandate.IssueRequest{
			AgentDID:        req.AgentDID,
			OrgID:           req.OrgID,
			Permissions:     []string{"transaction.execute"},
			Constraints:     effective,
			DelegationChain: req.DelegationChain,
		})
		if err != nil {
			return nil, fmt.Errorf("authz: mint mandate: %w", err)
		}
		// The mandate now exists; its commit and audit trail must not
		// be lost to a caller that has gone away.
		ctx = context.WithoutCancel(ctx)
		if err := o.limiter.Record(ctx, req.AgentDID, req.Amount); err != nil {
			if errors.Is(err, ratelimit.ErrLimitExceeded) {
				// Lost a commit race; the cap holds.
				return o.finalize(ctx, req, &Response{
					Decision:    DecisionDeny,
					Reasons:     []string{"rate limit exceeded"},
					ReasonCodes: []string{CodeRateLimit},
					RiskScore:   risk,
				}, start)
			}
			return nil, fmt.Errorf("authz: rate limit commit: %w", err)
		}
		resp.Mandate = m
		metrics.IncMandatesIssued()
	}

	if err := o.registry.UpdateReputation(ctx, req.AgentDID, resp.Decision == DecisionAllow, req.Amount); err != nil {
		o.logger.Warn("reputation update failed", "agent", req.AgentDID, "error", err)
	}

	resp.PolicySnapshot = polRes
	return o.finalize(ctx, req, resp, start)
}

// finalize persists the transaction record, appends the audit entry,
// and publishes the decision event. The audit append is the system of
// record; its failure fails the request.
func (o *Orchestrator) finalize(ctx context.Context, req *Request, resp *Response, start time.Time) (*Response, error) {
	now := o.clk.Now()
	txn := &TransactionRecord{
		ID:               idgen.WithPrefix("txn_"),
		OrgID:            req.OrgID,
		AgentDID:         req.AgentDID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		MerchantID:       req.MerchantID,
		MerchantName:     req.MerchantName,
		MerchantCategory: req.MerchantCategory,
		Reasoning:        req.Reasoning,
		Decision:         resp.Decision,
		ReasonCodes:      resp.ReasonCodes,
		RiskScore:        resp.RiskScore,
		PolicySnapshot:   resp.PolicySnapshot,
		CreatedAt:        start,
		DecidedAt:        now,
	}
	switch resp.Decision {
	case DecisionAllow:
		txn.Status = TxnApproved
	case DecisionRequiresReview:
		txn.Status = TxnPending
	default:
		txn.Status = TxnDenied
	}
	if resp.Mandate != nil {
		txn.MandateID = resp.Mandate.Claims.ID
	}
	if err := o.txns.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("authz: persist transaction: %w", err)
	}
	resp.TransactionID = txn.ID

	if err := o.ledger.Record(ctx, req.OrgID, "agent", req.AgentDID, auditAction(resp.Decision), map[string]any{
		"transaction_id": txn.ID,
		"amount":         req.Amount,
		"currency":       req.Currency,
		"merchant_id":    req.MerchantID,
		"decision":       string(resp.Decision),
		"risk_score":     resp.RiskScore,
		"reason_codes":   strings.Join(resp.ReasonCodes, ","),
	}); err != nil {
		return nil, fmt.Errorf("authz: audit append: %w", err)
	}

	o.publish(ctx, req, resp, txn.ID)
	return resp, nil
}

func (o *Orchestrator) publish(ctx context.Context, req *Request, resp *Response, txnID string) {
	if o.bus == nil {
		return
	}
	evt := events.NewEvent(eventType(resp.Decision), req.OrgID, req.AgentDID, map[string]any{
		"transaction_id": txnID,
		"amount":         req.Amount,
		"risk_score":     resp.RiskScore,
	})
	if err := o.bus.Publish(ctx, events.ChannelTransaction, evt); err != nil {
		o.logger.Warn("decision event publish failed", "error", err)
	}
}

// recordSystemError leaves a best-effort DENY trail when the pipeline
// itself fails, distinguishable from a policy denial.
func (o *Orchestrator) recordSystemError(ctx context.Context, req *Request, cause error) {
	if err := o.ledger.Record(ctx, req.OrgID, "system", "", "transaction.error", map[string]any{
		"agent_did":    req.AgentDID,
		"amount":       req.Amount,
		"decision":     string(DecisionDeny),
		"reason_codes": CodeSystemError,
		"error":        cause.Error(),
	}); err != nil {
		o.logger.Error("system error audit append failed", "error", err)
	}
}

// GetTransaction returns a persisted transaction record.
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	return o.txns.Get(ctx, id)
}

// ListTransactions returns an agent's recent transaction records.
func (o *Orchestrator) ListTransactions(ctx context.Context, orgID, agentDID string, limit int) ([]*TransactionRecord, error) {
	return o.txns.ListByAgent(ctx, orgID, agentDID, limit)
}

func (o *Orchestrator) buildContext(req *Request, agent *identity.Agent, spend *SpendAggregates, effective *delegation.Constraints, now time.Time) map[string]any {
	hour := now.Hour()
	weekday := now.Weekday()
	chainDepth := 0
	if len(req.DelegationChain) > 0 {
		chainDepth = len(req.DelegationChain) - 1
	}
	data := map[string]any{
		"amount":   req.Amount,
		"currency": req.Currency,
		"merchant": map[string]any{
			"id":       req.MerchantID,
			"name":     req.MerchantName,
			"category": req.MerchantCategory,
			"metadata": req.Metadata,
		},
		"agent": map[string]any{
			"id":                agent.ID,
			"did":               agent.DID,
			"type":              string(agent.Type),
			"spendToday":        spend.Day,
			"spendWeek":         spend.Week,
			"spendMonth":        spend.Month,
			"spendTotal":        spend.Total,
			"transactionsToday": float64(spend.DayCount),
			"reputation":        agent.Reputation,
		},
		"delegation": map[string]any{
			"depth": float64(chainDepth),
			"chain": toAnySlice(req.DelegationChain),
		},
		"temporal": map[string]any{
			"timestamp":       now.Format(time.RFC3339),
			"dayOfWeek":       strings.ToLower(weekday.String()),
			"hour":            float64(hour),
			"isWeekend":       weekday == time.Saturday || weekday == time.Sunday,
			"isBusinessHours": weekday != time.Saturday && weekday != time.Sunday && hour >= 9 && hour < 17,
		},
		"ai": map[string]any{
			"reasoning": req.Reasoning,
		},
	}
	if effective != nil && effective.MaxAmount != nil {
		data["constraints"] = map[string]any{"maxAmount": *effective.MaxAmount}
	}
	return data
}

func auditAction(d Decision) string {
	switch d {
	case DecisionAllow:
		return "transaction.approved"
	case DecisionRequiresReview:
		return "transaction.requires_review"
	case DecisionFrozen:
		return "transaction.frozen"
	default:
		return "transaction.denied"
	}
}

func eventType(d Decision) string {
	switch d {
	case DecisionAllow:
		return events.TypeTxnApproved
	case DecisionRequiresReview:
		return events.TypeTxnRequiresReview
	case DecisionFrozen:
		return events.TypeTxnFrozen
	default:
		return events.TypeTxnDenied
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
