// Package identity implements the agent registry: records, freeze state,
// the organization kill switch, and reputation tracking.
package identity

import (
	"errors"
	"time"
)

// AgentType classifies how an agent came to exist.
type AgentType string

const (
	TypePrimary   AgentType = "PRIMARY"
	TypeDelegated AgentType = "DELEGATED"
	TypeService   AgentType = "SERVICE"
	TypeEphemeral AgentType = "EPHEMERAL"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusActive          AgentStatus = "ACTIVE"
	StatusFrozen          AgentStatus = "FROZEN"
	StatusRevoked         AgentStatus = "REVOKED"
	StatusPendingApproval AgentStatus = "PENDING_APPROVAL"
)

// Errors
var (
	ErrAgentNotFound = errors.New("identity: agent not found")
	ErrAgentExists   = errors.New("identity: agent already exists")
	ErrAgentRevoked  = errors.New("identity: agent is revoked")
	ErrOwnerCycle    = errors.New("identity: owner chain forms a cycle")
	ErrInvalidOwner  = errors.New("identity: owner agent not found")
)

// FreezeInfo records why and by whom an agent was frozen.
type FreezeInfo struct {
	Reason   string    `json:"reason"`
	Actor    string    `json:"actor"`
	FrozenAt time.Time `json:"frozenAt"`
}

// Agent is a registered autonomous agent. The DID uniquely determines
// the public key; records are retained after revocation.
type Agent struct {
	ID               string      `json:"id"`
	DID              string      `json:"did"`
	OrgID            string      `json:"orgId"`
	Name             string      `json:"name"`
	PublicKey        string      `json:"publicKey"` // base64 raw Ed25519
	KeyID            string      `json:"keyId"`     // keystore reference
	SealedPrivateKey string      `json:"-"`         // iv:tag:ciphertext storage form
	OwnerDID         string      `json:"ownerDid,omitempty"`
	Type             AgentType   `json:"type"`
	Status           AgentStatus `json:"status"`
	Reputation       int         `json:"reputation"` // 0-100
	Freeze           *FreezeInfo `json:"freeze,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`

	// Running counts backing the reputation score.
	SuccessfulTxns int64   `json:"successfulTxns"`
	FailedTxns     int64   `json:"failedTxns"`
	LastVolume     float64 `json:"lastVolume"`
}

// IsActive reports whether the agent may authorize transactions.
func (a *Agent) IsActive() bool {
	return a.Status == StatusActive
}

// GlobalFreeze is the per-organization kill switch. Stored separately
// from agent rows so the orchestrator check is O(1).
type GlobalFreeze struct {
	OrgID    string    `json:"orgId"`
	Active   bool      `json:"active"`
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}
