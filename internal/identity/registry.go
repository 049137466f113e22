package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guthwine/guthwine/internal/cache"
	"github.com/guthwine/guthwine/internal/did"
	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/idgen"
	"github.com/guthwine/guthwine/internal/keystore"
)

// DefaultCacheTTL is how long resolved agents are cached.
const DefaultCacheTTL = 5 * time.Minute

// maxOwnerChain bounds the owner-cycle walk on registration.
const maxOwnerChain = 32

// Auditor records identity mutations in the audit ledger.
// Satisfied by audit.Ledger.
type Auditor interface {
	Record(ctx context.Context, orgID, actorType, actorID, action string, payload map[string]any) error
}

// Cascader is invoked after a freeze so delegation tokens issued by the
// frozen agent can be mass-revoked. Best-effort: the FROZEN status check
// in the orchestrator short-circuits any token the cascade has not
// reached yet.
type Cascader interface {
	RevokeByIssuer(ctx context.Context, issuerDID, reason string) (int, error)
}

// Registry manages agent records and their lifecycle.
type Registry struct {
	store    Store
	keys     keystore.KeyStore
	cache    cache.Cache
	cacheTTL time.Duration
	bus      events.Bus
	auditor  Auditor
	cascader Cascader
	logger   *slog.Logger
	method   string
}

// NewRegistry creates an agent registry.
func NewRegistry(store Store, keys keystore.KeyStore, c cache.Cache, bus events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		keys:     keys,
		cache:    c,
		cacheTTL: DefaultCacheTTL,
		bus:      bus,
		logger:   logger,
		method:   did.DefaultMethod,
	}
}

// SetAuditor wires the audit ledger (after construction, to break the
// init cycle: the ledger needs a signing key from the keystore first).
func (r *Registry) SetAuditor(a Auditor) { r.auditor = a }

// SetCascader wires the delegation revocation cascade.
func (r *Registry) SetCascader(c Cascader) { r.cascader = c }

// WithCacheTTL overrides the default agent cache TTL.
func (r *Registry) WithCacheTTL(ttl time.Duration) *Registry {
	r.cacheTTL = ttl
	return r
}

// RegisterAgent generates a keypair, derives the DID, and persists a new
// ACTIVE agent with full reputation.
func (r *Registry) RegisterAgent(ctx context.Context, orgID, name, ownerDID string, agentType AgentType) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("identity: name is required")
	}
	if agentType == "" {
		agentType = TypePrimary
	}

	if ownerDID != "" {
		if err := r.checkOwnerChain(ctx, ownerDID); err != nil {
			return nil, err
		}
	}

	keyID, err := r.keys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	pub, err := r.keys.PublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("identity: read public key: %w", err)
	}
	agentDID, err := did.FromPublicKey(r.method, pub)
	if err != nil {
		return nil, err
	}
	sealed, err := r.keys.ExportSealed(keyID)
	if err != nil {
		return nil, fmt.Errorf("identity: seal private key: %w", err)
	}

	now := time.Now()
	agent := &Agent{
		ID:               idgen.New(),
		DID:              agentDID,
		OrgID:            orgID,
		Name:             name,
		PublicKey:        base64.StdEncoding.EncodeToString(pub),
		KeyID:            keyID,
		SealedPrivateKey: sealed,
		OwnerDID:         ownerDID,
		Type:             agentType,
		Status:           StatusActive,
		Reputation:       100,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := r.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	r.record(ctx, orgID, "system", "", "agent.register", map[string]any{
		"did": agentDID, "name": name, "type": string(agentType), "owner": ownerDID,
	})
	r.publish(ctx, events.ChannelAgent, events.TypeAgentCreated, orgID, agentDID, map[string]any{
		"name": name, "type": string(agentType),
	})
	return agent, nil
}

// checkOwnerChain verifies the owner exists and the chain is acyclic.
func (r *Registry) checkOwnerChain(ctx context.Context, ownerDID string) error {
	seen := map[string]bool{}
	cur := ownerDID
	for i := 0; cur != "" && i < maxOwnerChain; i++ {
		if seen[cur] {
			return ErrOwnerCycle
		}
		seen[cur] = true
		owner, err := r.store.GetByDID(ctx, cur)
		if errors.Is(err, ErrAgentNotFound) {
			if cur == ownerDID {
				return ErrInvalidOwner
			}
			return nil // dangling upper link, not our problem at this write
		}
		if err != nil {
			return err
		}
		cur = owner.OwnerDID
	}
	if cur != "" {
		return ErrOwnerCycle
	}
	return nil
}

// Lookup resolves an agent by DID, consulting the cache first.
func (r *Registry) Lookup(ctx context.Context, agentDID string) (*Agent, error) {
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, cacheKey(agentDID)); err == nil {
			var a Agent
			if json.Unmarshal(raw, &a) == nil {
				return &a, nil
			}
		}
	}
	agent, err := r.store.GetByDID(ctx, agentDID)
	if err != nil {
		return nil, err
	}
	r.cacheSet(ctx, agent)
	return agent, nil
}

// LookupByID resolves an agent by its record ID.
func (r *Registry) LookupByID(ctx context.Context, id string) (*Agent, error) {
	return r.store.GetByID(ctx, id)
}

// ListAgents returns every agent registered to the organization.
func (r *Registry) ListAgents(ctx context.Context, orgID string) ([]*Agent, error) {
	return r.store.ListByOrg(ctx, orgID)
}

// Freeze transitions an agent to FROZEN. Idempotent: freezing a frozen
// agent updates the freeze metadata and still records an audit entry.
func (r *Registry) Freeze(ctx context.Context, agentDID, reason, actor string) error {
	agent, err := r.store.GetByDID(ctx, agentDID)
	if err != nil {
		return err
	}
	agent.Status = StatusFrozen
	agent.Freeze = &FreezeInfo{Reason: reason, Actor: actor, FrozenAt: time.Now()}
	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}
	r.invalidate(ctx, agentDID)

	r.record(ctx, agent.OrgID, "actor", actor, "agent.freeze", map[string]any{
		"did": agentDID, "reason": reason,
	})
	r.publish(ctx, events.ChannelAgent, events.TypeAgentFrozen, agent.OrgID, agentDID, map[string]any{
		"reason": reason, "actor": actor,
	})

	if r.cascader != nil {
		n, err := r.cascader.RevokeByIssuer(ctx, agentDID, "issuer frozen: "+reason)
		if err != nil {
			r.logger.Warn("delegation revocation cascade failed", "did", agentDID, "error", err)
		} else if n > 0 {
			r.logger.Info("revoked delegations for frozen issuer", "did", agentDID, "count", n)
		}
	}
	return nil
}

// Unfreeze returns a FROZEN agent to ACTIVE.
func (r *Registry) Unfreeze(ctx context.Context, agentDID, actor string) error {
	agent, err := r.store.GetByDID(ctx, agentDID)
	if err != nil {
		return err
	}
	agent.Status = StatusActive
	agent.Freeze = nil
	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}
	r.invalidate(ctx, agentDID)

	r.record(ctx, agent.OrgID, "actor", actor, "agent.unfreeze", map[string]any{"did": agentDID})
	r.publish(ctx, events.ChannelAgent, events.TypeAgentUnfrozen, agent.OrgID, agentDID, nil)
	return nil
}

// Revoke logically destroys an agent; the record is retained.
func (r *Registry) Revoke(ctx context.Context, agentDID, reason, actor string) error {
	agent, err := r.store.GetByDID(ctx, agentDID)
	if err != nil {
		return err
	}
	agent.Status = StatusRevoked
	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}
	r.invalidate(ctx, agentDID)
	r.record(ctx, agent.OrgID, "actor", actor, "agent.revoke", map[string]any{
		"did": agentDID, "reason": reason,
	})
	return nil
}

// GlobalFreezeActive is the O(1) kill-switch check used at the top of
// every authorization.
func (r *Registry) GlobalFreezeActive(ctx context.Context, orgID string) (bool, error) {
	gf, err := r.store.GetGlobalFreeze(ctx, orgID)
	if err != nil {
		return false, err
	}
	return gf.Active, nil
}

// SetGlobalFreeze flips the org kill switch and sweeps agents in or out
// of FROZEN. The flag is stored separately so the per-request check does
// not depend on the sweep having finished.
func (r *Registry) SetGlobalFreeze(ctx context.Context, orgID string, active bool, reason, actor string) error {
	now := time.Now()
	if err := r.store.SetGlobalFreeze(ctx, &GlobalFreeze{
		OrgID: orgID, Active: active, Reason: reason, Actor: actor, ChangedAt: now,
	}); err != nil {
		return err
	}

	agents, err := r.store.ListByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if active && agent.Status == StatusActive {
			agent.Status = StatusFrozen
			agent.Freeze = &FreezeInfo{Reason: "global freeze: " + reason, Actor: actor, FrozenAt: now}
		} else if !active && agent.Status == StatusFrozen && agent.Freeze != nil &&
			agent.Freeze.Actor == actor && agent.Freeze.Reason == "global freeze: "+reason {
			agent.Status = StatusActive
			agent.Freeze = nil
		} else {
			continue
		}
		if err := r.store.Update(ctx, agent); err != nil {
			r.logger.Warn("global freeze sweep: update failed", "did", agent.DID, "error", err)
			continue
		}
		r.invalidate(ctx, agent.DID)
	}

	action, eventType := "org.global_freeze", events.TypeGlobalFreeze
	if !active {
		action, eventType = "org.global_unfreeze", events.TypeGlobalUnfreeze
	}
	r.record(ctx, orgID, "actor", actor, action, map[string]any{"reason": reason})
	r.publish(ctx, events.ChannelGlobal, eventType, orgID, "", map[string]any{
		"reason": reason, "actor": actor,
	})
	return nil
}

// UpdateReputation records a transaction outcome and recomputes the score:
// 100 * successful / (successful + failed), clamped to [0,100].
func (r *Registry) UpdateReputation(ctx context.Context, agentDID string, success bool, amount float64) error {
	agent, err := r.store.GetByDID(ctx, agentDID)
	if err != nil {
		return err
	}
	if success {
		agent.SuccessfulTxns++
	} else {
		agent.FailedTxns++
	}
	agent.LastVolume = amount

	total := agent.SuccessfulTxns + agent.FailedTxns
	if total > 0 {
		score := int(100 * agent.SuccessfulTxns / total)
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		agent.Reputation = score
	}

	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}
	r.invalidate(ctx, agentDID)
	return nil
}

func cacheKey(agentDID string) string { return "agent:" + agentDID }

func (r *Registry) cacheSet(ctx context.Context, agent *Agent) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(agent)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(agent.DID), raw, r.cacheTTL); err != nil {
		r.logger.Debug("agent cache set failed", "did", agent.DID, "error", err)
	}
}

func (r *Registry) invalidate(ctx context.Context, agentDID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cacheKey(agentDID)); err != nil {
		r.logger.Debug("agent cache invalidate failed", "did", agentDID, "error", err)
	}
}

func (r *Registry) record(ctx context.Context, orgID, actorType, actorID, action string, payload map[string]any) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.Record(ctx, orgID, actorType, actorID, action, payload); err != nil {
		r.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func (r *Registry) publish(ctx context.Context, channel, eventType, orgID, agentDID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, channel, events.NewEvent(eventType, orgID, agentDID, data)); err != nil {
		r.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}
