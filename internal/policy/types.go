// Package policy stores and evaluates authorization policies: rule
// trees over a structured request context, optionally paired with a
// natural-language semantic clause.
package policy

import (
	"errors"
	"time"
)

// Action is what a matched policy contributes to the decision.
type Action string

// Actions
const (
	ActionAllow      Action = "ALLOW"
	ActionDeny       Action = "DENY"
	ActionFlag       Action = "FLAG"
	ActionRequireMFA Action = "REQUIRE_MFA"
	ActionNotify     Action = "NOTIFY"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrInvalidRule    = errors.New("policy: invalid rule")
	ErrInvalidAction  = errors.New("policy: invalid action")
)

// SemanticConfig configures the LLM check attached to a policy.
type SemanticConfig struct {
	Clause    string        `json:"clause"`
	Provider  string        `json:"provider,omitempty"`
	Model     string        `json:"model,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
	CacheTTL  time.Duration `json:"cacheTtl,omitempty"`
}

// Policy is a stored authorization rule. AgentDID empty means the
// policy is organization-scoped.
type Policy struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"organizationId"`
	AgentDID    string          `json:"agentDid,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Active      bool            `json:"active"`
	Rule        any             `json:"rule"`
	Semantic    *SemanticConfig `json:"semantic,omitempty"`
	Action      Action          `json:"action"`

	Version           int    `json:"version"`
	PreviousVersionID string `json:"previousVersionId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Match is one policy that matched during evaluation.
type Match struct {
	PolicyID   string `json:"policyId"`
	PolicyName string `json:"policyName"`
	Action     Action `json:"action"`
}

// Result is the outcome of the policy phase for one request.
type Result struct {
	Action          Action   `json:"action"`
	DenyPolicy      string   `json:"denyPolicy,omitempty"`
	Matches         []Match  `json:"matches,omitempty"`
	Actions         []Action `json:"actions,omitempty"`
	SemanticClauses []string `json:"semanticClauses,omitempty"`
	Evaluated       int      `json:"evaluated"`
}

func validAction(a Action) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionFlag, ActionRequireMFA, ActionNotify:
		return true
	}
	return false
}
