package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/identity"
	"github.com/guthwine/guthwine/internal/idgen"
	"github.com/guthwine/guthwine/internal/jws"
	"github.com/guthwine/guthwine/internal/keystore"
)

// Defaults applied when the caller does not configure the service.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultMaxDepth = 5
)

// Auditor mirrors the ledger's Record method so the service can append
// without importing the audit package.
type Auditor interface {
	Record(ctx context.Context, orgID, actorType, actorID, action string, payload map[string]any) error
}

// Service issues, revokes, and verifies delegation tokens. Tokens are
// signed with the issuing agent's keystore key, so a chain verifies
// offline given the agents' public keys.
type Service struct {
	store    Store
	registry *identity.Registry
	keys     keystore.KeyStore
	bus      events.Bus
	auditor  Auditor
	logger   *slog.Logger

	defaultTTL time.Duration
	maxDepth   int
}

// NewService creates a delegation service.
func NewService(store Store, registry *identity.Registry, keys keystore.KeyStore, bus events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		registry:   registry,
		keys:       keys,
		bus:        bus,
		logger:     logger,
		defaultTTL: DefaultTTL,
		maxDepth:   DefaultMaxDepth,
	}
}

// WithLimits overrides the default TTL and maximum chain depth.
func (s *Service) WithLimits(defaultTTL time.Duration, maxDepth int) *Service {
	if defaultTTL > 0 {
		s.defaultTTL = defaultTTL
	}
	if maxDepth > 0 {
		s.maxDepth = maxDepth
	}
	return s
}

// SetAuditor wires the audit ledger after construction.
func (s *Service) SetAuditor(a Auditor) { s.auditor = a }

// IssueRequest is the input to Issue.
type IssueRequest struct {
	OrgID        string
	IssuerDID    string
	RecipientDID string
	ParentID     string
	Constraints  *Constraints
	ExpiresAt    *time.Time
}

// Issue mints a delegation token. For sub-delegations the issuer must
// be the parent's recipient, the parent must permit sub-delegation,
// depth must stay within the limit, and the child constraints must
// refine the parent's. Expiry is clamped to the parent's.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Token, error) {
	if req.IssuerDID == req.RecipientDID {
		return nil, ErrSelfDelegation
	}
	issuer, err := s.registry.Lookup(ctx, req.IssuerDID)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	if issuer.Status != identity.StatusActive {
		return nil, ErrIssuerNotAllowed
	}
	recipient, err := s.registry.Lookup(ctx, req.RecipientDID)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if recipient.Status == identity.StatusRevoked {
		return nil, fmt.Errorf("recipient: %w", identity.ErrAgentRevoked)
	}

	now := time.Now()
	t := &Token{
		ID:           idgen.WithPrefix("dlg_"),
		OrgID:        req.OrgID,
		IssuerDID:    req.IssuerDID,
		RecipientDID: req.RecipientDID,
		Constraints:  req.Constraints,
		IssuedAt:     now,
		KeyID:        issuer.KeyID,
	}

	var parentExpiry *time.Time
	if req.ParentID != "" {
		parent, err := s.store.Get(ctx, req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		if parent.Revoked {
			return nil, ErrTokenRevoked
		}
		if now.After(parent.ExpiresAt) {
			return nil, ErrTokenExpired
		}
		if parent.RecipientDID != req.IssuerDID {
			return nil, ErrWrongIssuer
		}
		if parent.Constraints != nil && parent.Constraints.CanSubDelegate != nil && !*parent.Constraints.CanSubDelegate {
			return nil, ErrSubDelegation
		}
		if v := RefinementViolations(parent.Constraints, req.Constraints); len(v) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrNotRefinement, v)
		}

		t.ParentID = parent.ID
		t.Depth = parent.Depth + 1
		maxDepth := s.maxDepth
		if parent.Constraints != nil && parent.Constraints.MaxDelegationDepth != nil && *parent.Constraints.MaxDelegationDepth < maxDepth {
			maxDepth = *parent.Constraints.MaxDelegationDepth
		}
		if t.Depth > maxDepth {
			return nil, ErrDepthExceeded
		}
		parentExpiry = &parent.ExpiresAt

		t.ChainHash, err = ChainHashFor(parent.TokenHash, t.IssuerDID, t.RecipientDID)
		if err != nil {
			return nil, err
		}
	}
	t.ExpiresAt = expiresWithin(now, req.ExpiresAt, s.defaultTTL, parentExpiry)

	signed, err := jws.Sign(buildClaims(t), &jws.Key{Store: s.keys, KeyID: issuer.KeyID})
	if err != nil {
		return nil, fmt.Errorf("sign delegation: %w", err)
	}
	t.SignedToken = signed
	t.TokenHash = TokenHash(signed)

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persist delegation: %w", err)
	}

	s.audit(ctx, t.OrgID, t.IssuerDID, "delegation.issued", map[string]any{
		"token_id":  t.ID,
		"recipient": t.RecipientDID,
		"depth":     t.Depth,
		"expiresAt": t.ExpiresAt,
	})
	s.publish(ctx, events.TypeDelegationIssued, t)
	return t, nil
}

// Get returns a delegation token by ID.
func (s *Service) Get(ctx context.Context, id string) (*Token, error) {
	return s.store.Get(ctx, id)
}

// ListByIssuer returns tokens an agent has issued.
func (s *Service) ListByIssuer(ctx context.Context, orgID, issuerDID string, activeOnly bool) ([]*Token, error) {
	return s.store.ListByIssuer(ctx, orgID, issuerDID, activeOnly)
}

// ListByRecipient returns tokens an agent holds.
func (s *Service) ListByRecipient(ctx context.Context, orgID, recipientDID string, activeOnly bool) ([]*Token, error) {
	return s.store.ListByRecipient(ctx, orgID, recipientDID, activeOnly)
}

// Revoke marks a token and its entire descendant subtree revoked.
// Revoking an already-revoked token is a no-op.
func (s *Service) Revoke(ctx context.Context, id, reason string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Revoked {
		return nil
	}
	if err := s.revokeTree(ctx, t, reason); err != nil {
		return err
	}
	s.audit(ctx, t.OrgID, t.IssuerDID, "delegation.revoked", map[string]any{
		"token_id": t.ID,
		"reason":   reason,
	})
	s.publish(ctx, events.TypeDelegationRevoked, t)
	return nil
}

func (s *Service) revokeTree(ctx context.Context, t *Token, reason string) error {
	now := time.Now()
	t.Revoked = true
	t.RevokedAt = &now
	t.RevocationReason = reason
	if err := s.store.Update(ctx, t); err != nil {
		return err
	}
	children, err := s.store.ListChildren(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Revoked {
			continue
		}
		if err := s.revokeTree(ctx, child, "parent revoked: "+reason); err != nil {
			return err
		}
	}
	return nil
}

// RevokeByIssuer revokes every active token a DID has issued and
// returns the count. Satisfies the identity registry's cascade hook so
// freezing or revoking an agent tears down its grants.
func (s *Service) RevokeByIssuer(ctx context.Context, issuerDID, reason string) (int, error) {
	// Org scoping is unnecessary here: DIDs are globally unique.
	tokens, err := s.store.ListByIssuer(ctx, "", issuerDID, true)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, t := range tokens {
		if err := s.Revoke(ctx, t.ID, reason); err != nil {
			if errors.Is(err, ErrTokenNotFound) {
				continue
			}
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// VerifyChain checks a root-to-leaf chain of token IDs and returns the
// effective constraints (the left fold of Merge down the chain). All
// problems found are reported together rather than short-circuiting.
func (s *Service) VerifyChain(ctx context.Context, tokenIDs []string, finalRecipient string) (*ChainResult, error) {
	result := &ChainResult{OK: true}
	flag := func(code string) {
		result.OK = false
		result.ReasonCodes = append(result.ReasonCodes, code)
	}

	if len(tokenIDs) == 0 {
		flag(CodeEmptyChain)
		return result, nil
	}

	now := time.Now()
	var prev *Token
	var effective *Constraints
	for i, id := range tokenIDs {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTokenNotFound) {
				flag(CodeChainBroken)
				return result, nil
			}
			return nil, err
		}

		if t.Revoked {
			flag(CodeTokenRevoked)
		}
		if now.Before(t.IssuedAt) {
			flag(CodeNotYetValid)
		}
		if now.After(t.ExpiresAt) {
			flag(CodeTokenExpired)
		}
		if err := s.verifySignature(ctx, t); err != nil {
			flag(CodeBadSignature)
		}

		if i == 0 {
			if t.ParentID != "" || t.Depth != 0 {
				flag(CodeChainBroken)
			}
			result.RootIssuer = t.IssuerDID
		} else {
			if t.ParentID != prev.ID || t.IssuerDID != prev.RecipientDID {
				flag(CodeChainBroken)
			} else if want, err := ChainHashFor(prev.TokenHash, t.IssuerDID, t.RecipientDID); err != nil || t.ChainHash != want {
				flag(CodeChainBroken)
			}
			if t.Depth != prev.Depth+1 {
				flag(CodeChainBroken)
			}
		}
		if t.Depth > s.maxDepth {
			flag(CodeDepthExceeded)
		}

		effective = Merge(effective, t.Constraints)
		prev = t
	}

	if finalRecipient != "" && prev.RecipientDID != finalRecipient {
		flag(CodeWrongRecipient)
	}

	result.Depth = prev.Depth
	if result.OK {
		result.EffectiveConstraints = effective
	}
	return result, nil
}

func (s *Service) verifySignature(ctx context.Context, t *Token) error {
	issuer, err := s.registry.Lookup(ctx, t.IssuerDID)
	if err != nil {
		return err
	}
	return jws.Verify(t.SignedToken, &jws.Key{Store: s.keys, KeyID: issuer.KeyID})
}

func (s *Service) audit(ctx context.Context, orgID, actorDID, action string, payload map[string]any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, orgID, "agent", actorDID, action, payload); err != nil {
		s.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, t *Token) {
	if s.bus == nil {
		return
	}
	evt := events.NewEvent(eventType, t.OrgID, t.IssuerDID, map[string]any{
		"token_id":  t.ID,
		"recipient": t.RecipientDID,
		"depth":     t.Depth,
	})
	if err := s.bus.Publish(ctx, events.ChannelAgent, evt); err != nil {
		s.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}

var _ identity.Cascader = (*Service)(nil)
