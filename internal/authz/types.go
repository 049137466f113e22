// Package authz is the authorization orchestrator: one request in, one
// decision out, with every intermediate check (freeze, delegation,
// rate limit, policy, semantic) composed into a risk-scored outcome.
package authz

import (
	"errors"
	"time"

	"github.com/guthwine/guthwine/internal/delegation"
	"github.com/guthwine/guthwine/internal/mandate"
	"github.com/guthwine/guthwine/internal/policy"
)

// Decision is the outcome of one authorization.
type Decision string

// Decisions
const (
	DecisionAllow          Decision = "ALLOW"
	DecisionDeny           Decision = "DENY"
	DecisionRequiresReview Decision = "REQUIRES_REVIEW"
	DecisionFrozen         Decision = "FROZEN"
)

// Reason codes produced by the orchestrator itself. Policy and
// constraint phases contribute their own codes.
const (
	CodeGlobalFreeze      = "GLOBAL_FREEZE"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeAgentFrozen       = "AGENT_FROZEN"
	CodeRateLimit         = "RATE_LIMIT"
	CodeAnomalousBehavior = "ANOMALOUS_BEHAVIOR"
	CodeSemanticViolation = "SEMANTIC_VIOLATION"
	CodeSemanticFailure   = "SEMANTIC_EVALUATOR_FAILURE"
	CodeSystemError       = "SYSTEM_ERROR"
)

// Risk scoring weights. Deterministic, clamped to [0,100].
const (
	riskPolicyDeny       = 50
	riskPolicyFlag       = 25
	riskSemanticBreach   = 40
	riskLowConfidence    = 20
	riskSemanticFailure  = 75
	reviewRiskThreshold  = 80
	maxRiskScore         = 100
)

// Errors
var (
	ErrInvalidAmount = errors.New("authz: amount must be positive")
	ErrTxnNotFound   = errors.New("authz: transaction not found")
)

// Request is one transaction authorization request.
type Request struct {
	AgentDID         string         `json:"agentDid"`
	OrgID            string         `json:"organizationId"`
	Amount           float64        `json:"amount"`
	Currency         string         `json:"currency"`
	MerchantID       string         `json:"merchantId"`
	MerchantName     string         `json:"merchantName,omitempty"`
	MerchantCategory string         `json:"merchantCategory,omitempty"`
	Reasoning        string         `json:"reasoning,omitempty"`
	DelegationChain  []string       `json:"delegationChain,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Response is the decision returned to the caller. A mandate is
// attached only on ALLOW.
type Response struct {
	Decision      Decision         `json:"decision"`
	Reasons       []string         `json:"reasons,omitempty"`
	ReasonCodes   []string         `json:"reasonCodes,omitempty"`
	RiskScore     int              `json:"riskScore"`
	Mandate       *mandate.Mandate `json:"mandate,omitempty"`
	TransactionID string           `json:"transactionId"`

	// PolicySnapshot is persisted with the transaction record, not
	// returned on the wire.
	PolicySnapshot *policy.Result `json:"-"`
}

// TxnStatus is the lifecycle state of a transaction record.
type TxnStatus string

// Transaction statuses
const (
	TxnPending  TxnStatus = "PENDING"
	TxnApproved TxnStatus = "APPROVED"
	TxnDenied   TxnStatus = "DENIED"
	TxnExecuted TxnStatus = "EXECUTED"
	TxnFailed   TxnStatus = "FAILED"
	TxnExpired  TxnStatus = "EXPIRED"
)

// TransactionRecord is the persisted outcome of one authorization,
// including a snapshot of the policy evaluation for later audit.
type TransactionRecord struct {
	ID               string                  `json:"id"`
	OrgID            string                  `json:"organizationId"`
	AgentDID         string                  `json:"agentDid"`
	Amount           float64                 `json:"amount"`
	Currency         string                  `json:"currency"`
	MerchantID       string                  `json:"merchantId"`
	MerchantName     string                  `json:"merchantName,omitempty"`
	MerchantCategory string                  `json:"merchantCategory,omitempty"`
	Reasoning        string                  `json:"reasoning,omitempty"`
	Status           TxnStatus               `json:"status"`
	Decision         Decision                `json:"decision"`
	ReasonCodes      []string                `json:"reasonCodes,omitempty"`
	RiskScore        int                     `json:"riskScore"`
	MandateID        string                  `json:"mandateId,omitempty"`
	PolicySnapshot   *policy.Result          `json:"policySnapshot,omitempty"`
	Constraints      *delegation.Constraints `json:"constraints,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
	DecidedAt        time.Time               `json:"decidedAt"`
}
