package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/guthwine/guthwine/internal/cache"
	"github.com/guthwine/guthwine/internal/idgen"
)

// DefaultCacheTTL bounds how stale an evaluated policy list can be.
const DefaultCacheTTL = time.Minute

// Engine validates, stores, and evaluates policies.
type Engine struct {
	store    Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(store Store, c cache.Cache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		cache:    c,
		cacheTTL: DefaultCacheTTL,
		logger:   logger,
	}
}

// Create validates and persists a new policy at version 1.
func (e *Engine) Create(ctx context.Context, p *Policy) (*Policy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy: name is required")
	}
	if !validAction(p.Action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, p.Action)
	}
	if err := ValidateRule(p.Rule); err != nil {
		return nil, err
	}
	now := time.Now()
	p.ID = idgen.New()
	p.Version = 1
	p.PreviousVersionID = ""
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := e.store.Create(ctx, p); err != nil {
		return nil, err
	}
	e.invalidate(ctx, p.OrgID)
	return p, nil
}

// Update writes a new version of a policy. Priority is carried over
// unchanged so policy ordering is stable across versions; the old
// version is deactivated and linked as the predecessor.
func (e *Engine) Update(ctx context.Context, id string, mutate func(*Policy)) (*Policy, error) {
	old, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *old
	mutate(&next)
	next.Priority = old.Priority
	if !validAction(next.Action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, next.Action)
	}
	if err := ValidateRule(next.Rule); err != nil {
		return nil, err
	}

	now := time.Now()
	next.ID = idgen.New()
	next.Version = old.Version + 1
	next.PreviousVersionID = old.ID
	next.Active = true
	next.CreatedAt = now
	next.UpdatedAt = now
	if err := e.store.Create(ctx, &next); err != nil {
		return nil, err
	}

	old.Active = false
	old.UpdatedAt = now
	if err := e.store.Update(ctx, old); err != nil {
		return nil, err
	}
	e.invalidate(ctx, old.OrgID)
	return &next, nil
}

// Get returns a policy by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Policy, error) {
	return e.store.Get(ctx, id)
}

// Deactivate takes a policy out of evaluation without deleting it.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Active = false
	p.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, p); err != nil {
		return err
	}
	e.invalidate(ctx, p.OrgID)
	return nil
}

// List returns all policies for an organization.
func (e *Engine) List(ctx context.Context, orgID string) ([]*Policy, error) {
	return e.store.ListByOrg(ctx, orgID)
}

// Evaluate runs every applicable policy against the context document.
// Agent-scoped policies are evaluated before organization-scoped ones;
// within a scope ordering is priority descending, id ascending on ties.
// Any matched DENY wins; otherwise matched FLAG/REQUIRE_MFA/NOTIFY
// actions accumulate; otherwise the phase allows.
func (e *Engine) Evaluate(ctx context.Context, orgID, agentDID string, data map[string]any) (*Result, error) {
	policies, err := e.applicable(ctx, orgID, agentDID)
	if err != nil {
		return nil, err
	}

	result := &Result{Action: ActionAllow, Evaluated: len(policies)}
	for _, p := range policies {
		if !Matches(p.Rule, data) {
			continue
		}
		result.Matches = append(result.Matches, Match{PolicyID: p.ID, PolicyName: p.Name, Action: p.Action})
		if p.Semantic != nil && p.Semantic.Clause != "" {
			result.SemanticClauses = append(result.SemanticClauses, p.Semantic.Clause)
		}

		switch p.Action {
		case ActionDeny:
			if result.Action != ActionDeny {
				result.Action = ActionDeny
				result.DenyPolicy = p.Name
			}
		case ActionFlag, ActionRequireMFA, ActionNotify:
			result.Actions = append(result.Actions, p.Action)
			if result.Action == ActionAllow {
				result.Action = p.Action
			}
		}
	}
	return result, nil
}

// applicable returns the evaluation-ordered active policy list,
// consulting the cache first.
func (e *Engine) applicable(ctx context.Context, orgID, agentDID string) ([]*Policy, error) {
	key := "policies:" + orgID + ":" + agentDID
	if e.cache != nil {
		if raw, err := e.cache.Get(ctx, key); err == nil {
			var cached []*Policy
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	policies, err := e.store.ListActive(ctx, orgID, agentDID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		aScoped, bScoped := a.AgentDID != "", b.AgentDID != ""
		if aScoped != bScoped {
			return aScoped
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	if e.cache != nil {
		if raw, err := json.Marshal(policies); err == nil {
			if err := e.cache.Set(ctx, key, raw, e.cacheTTL); err != nil {
				e.logger.Warn("policy cache set failed", "error", err)
			}
		}
	}
	return policies, nil
}

func (e *Engine) invalidate(ctx context.Context, orgID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DeletePattern(ctx, "policies:"+orgID+":*"); err != nil {
		e.logger.Warn("policy cache invalidation failed", "org", orgID, "error", err)
	}
}
