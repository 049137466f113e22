package mandate

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guthwine/guthwine/internal/clock"
	"github.com/guthwine/guthwine/internal/delegation"
	"github.com/guthwine/guthwine/internal/idgen"
	"github.com/guthwine/guthwine/internal/jws"
	"github.com/guthwine/guthwine/internal/keystore"
)

// Defaults
const (
	DefaultTTL = 5 * time.Minute
	MaxTTL     = 15 * time.Minute

	nonceBytes = 16
)

// Issuer mints and verifies mandate tokens signed with the service
// key. Verification is strict and ordered: structure, signature,
// temporal claims, nonce, revocation.
type Issuer struct {
	keys          keystore.KeyStore
	keyID         string
	nonces        NonceStore
	introspection IntrospectionStore
	clk           clock.Clock
	rng           clock.RNG
	logger        *slog.Logger

	issuerName   string
	defaultTTL   time.Duration
	maxTTL       time.Duration
	acceptLegacy bool
}

// NewIssuer creates a mandate issuer signing with the given keystore key.
func NewIssuer(keys keystore.KeyStore, keyID, issuerName string, nonces NonceStore, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		keys:       keys,
		keyID:      keyID,
		nonces:     nonces,
		clk:        clock.System{},
		rng:        clock.CryptoRNG{},
		logger:     logger,
		issuerName: issuerName,
		defaultTTL: DefaultTTL,
		maxTTL:     MaxTTL,
	}
}

// WithTTLs overrides the default and maximum mandate lifetimes.
func (i *Issuer) WithTTLs(defaultTTL, maxTTL time.Duration) *Issuer {
	if defaultTTL > 0 {
		i.defaultTTL = defaultTTL
	}
	if maxTTL > 0 {
		i.maxTTL = maxTTL
	}
	return i
}

// WithIntrospection wires an optional revocation store.
func (i *Issuer) WithIntrospection(s IntrospectionStore) *Issuer {
	i.introspection = s
	return i
}

// WithClock overrides time and randomness sources (tests).
func (i *Issuer) WithClock(clk clock.Clock, rng clock.RNG) *Issuer {
	if clk != nil {
		i.clk = clk
	}
	if rng != nil {
		i.rng = rng
	}
	return i
}

// AcceptLegacy enables v1 token verification and migration.
func (i *Issuer) AcceptLegacy(accept bool) *Issuer {
	i.acceptLegacy = accept
	return i
}

// IssueRequest is the input to Issue.
type IssueRequest struct {
	AgentDID        string
	OrgID           string
	Audience        []string
	Permissions     []string
	Constraints     *delegation.Constraints
	DelegationChain []string
	TTL             time.Duration
	Custom          map[string]any
}

// Issue mints a signed mandate. The lifetime defaults to the
// configured TTL and may not exceed the maximum.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Mandate, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if ttl > i.maxTTL {
		return nil, fmt.Errorf("%w: %s > %s", ErrTTLTooLong, ttl, i.maxTTL)
	}

	nonce, err := i.newNonce()
	if err != nil {
		return nil, err
	}

	now := i.clk.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        idgen.WithPrefix("mdt_"),
			Issuer:    i.issuerName,
			Subject:   req.AgentDID,
			Audience:  req.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Guthwine: GuthwineClaims{
			Type:            "MANDATE",
			Version:         VersionV2,
			OrgID:           req.OrgID,
			Nonce:           nonce,
			DelegationChain: req.DelegationChain,
			Permissions:     req.Permissions,
			Constraints:     req.Constraints,
			Custom:          req.Custom,
		},
	}

	signed, err := jws.Sign(claims, &jws.Key{Store: i.keys, KeyID: i.keyID})
	if err != nil {
		return nil, fmt.Errorf("mandate: sign: %w", err)
	}
	return &Mandate{Token: signed, Claims: claims, KeyID: i.keyID}, nil
}

// Verify checks a mandate token. The nonce is consumed: a second
// verification of the same token fails as a replay.
func (i *Issuer) Verify(ctx context.Context, token string) (*Claims, error) {
	return i.validate(ctx, token, true)
}

// Inspect runs all verification steps except nonce consumption and is
// used where the mandate must stay usable (sub-delegation, previews).
func (i *Issuer) Inspect(ctx context.Context, token string) (*Claims, error) {
	return i.validate(ctx, token, false)
}

func (i *Issuer) validate(ctx context.Context, token string, consumeNonce bool) (*Claims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	kid, err := jws.Decode(token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if kid == "" {
		kid = i.keyID
	}
	if err := jws.Verify(token, &jws.Key{Store: i.keys, KeyID: kid}); err != nil {
		return nil, ErrBadSignature
	}

	if claims.Guthwine.Version == VersionV1 && !i.acceptLegacy {
		return nil, ErrLegacyRejected
	}

	now := i.clk.Now()
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(now) {
		return nil, ErrExpired
	}
	if claims.NotBefore != nil && claims.NotBefore.After(now) {
		return nil, ErrNotYetValid
	}

	if len(claims.Guthwine.Nonce) < nonceBytes*2 {
		return nil, ErrNonceMissing
	}
	if consumeNonce {
		fresh, err := i.nonces.SetIfAbsent(ctx, claims.Guthwine.Nonce, claims.ExpiresAt.Time)
		if err != nil {
			return nil, fmt.Errorf("mandate: nonce store: %w", err)
		}
		if !fresh {
			return nil, ErrNonceReplay
		}
	}

	if i.introspection != nil {
		revoked, err := i.introspection.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("mandate: introspection: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

// Delegate mints a sub-mandate from a parent mandate. Permissions must
// be a subset of the parent's, constraints merge per the delegation
// rules, and expiry is clamped to the parent's. The parent's nonce is
// not consumed.
func (i *Issuer) Delegate(ctx context.Context, parentToken string, req IssueRequest) (*Mandate, error) {
	parent, err := i.Inspect(ctx, parentToken)
	if err != nil {
		return nil, err
	}

	for _, p := range req.Permissions {
		if !containsString(parent.Guthwine.Permissions, p) {
			return nil, fmt.Errorf("%w: %q", ErrNotDelegable, p)
		}
	}
	if len(req.Permissions) == 0 {
		req.Permissions = parent.Guthwine.Permissions
	}
	req.Constraints = delegation.Merge(parent.Guthwine.Constraints, req.Constraints)
	if req.OrgID == "" {
		req.OrgID = parent.Guthwine.OrgID
	}
	req.DelegationChain = append(append([]string(nil), parent.Guthwine.DelegationChain...), parent.ID)

	sub, err := i.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	if sub.Claims.ExpiresAt.After(parent.ExpiresAt.Time) {
		sub.Claims.ExpiresAt = jwt.NewNumericDate(parent.ExpiresAt.Time)
		signed, err := jws.Sign(sub.Claims, &jws.Key{Store: i.keys, KeyID: i.keyID})
		if err != nil {
			return nil, fmt.Errorf("mandate: re-sign clamped sub-mandate: %w", err)
		}
		sub.Token = signed
	}
	return sub, nil
}

// MigrateV1 re-issues a v1 token as v2. The migration is lossless
// except that the result carries a fresh nonce and the legacy org tag.
func (i *Issuer) MigrateV1(ctx context.Context, v1Token string) (*Mandate, error) {
	if !i.acceptLegacy {
		return nil, ErrLegacyRejected
	}
	if strings.Count(v1Token, ".") != 2 {
		return nil, ErrMalformed
	}
	claims := &Claims{}
	kid, err := jws.Decode(v1Token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if kid == "" {
		kid = i.keyID
	}
	if err := jws.Verify(v1Token, &jws.Key{Store: i.keys, KeyID: kid}); err != nil {
		return nil, ErrBadSignature
	}
	if claims.Guthwine.Version != VersionV1 {
		return nil, fmt.Errorf("%w: not a v1 token", ErrMalformed)
	}

	now := i.clk.Now()
	ttl := i.defaultTTL
	if claims.ExpiresAt != nil {
		remaining := claims.ExpiresAt.Time.Sub(now)
		if remaining <= 0 {
			return nil, ErrExpired
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	return i.Issue(ctx, IssueRequest{
		AgentDID:        claims.Subject,
		OrgID:           LegacyOrg,
		Audience:        claims.Audience,
		Permissions:     claims.Guthwine.Permissions,
		Constraints:     claims.Guthwine.Constraints,
		DelegationChain: claims.Guthwine.DelegationChain,
		TTL:             ttl,
		Custom:          claims.Guthwine.Custom,
	})
}

// Revoke marks a mandate revoked in the introspection store.
func (i *Issuer) Revoke(ctx context.Context, tokenID, reason string) error {
	if i.introspection == nil {
		return fmt.Errorf("mandate: no introspection store configured")
	}
	return i.introspection.Revoke(ctx, tokenID, reason, i.clk.Now())
}

// PurgeNonces drops expired nonce records.
func (i *Issuer) PurgeNonces(ctx context.Context) (int64, error) {
	return i.nonces.Purge(ctx, i.clk.Now())
}

// RunNoncePurgeJob periodically purges expired nonces until ctx is
// cancelled.
func (i *Issuer) RunNoncePurgeJob(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.PurgeNonces(ctx); err != nil {
				i.logger.Warn("nonce purge failed", "error", err)
			}
		}
	}
}

func (i *Issuer) newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := i.rng.Read(buf); err != nil {
		return "", fmt.Errorf("mandate: draw nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func containsString(set []string, item string) bool {
	for _, s := range set {
		if s == item {
			return true
		}
	}
	return false
}
