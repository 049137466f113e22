// Package token decodes and verifies Guthwine mandate tokens.
// This is the foundation for downstream executor SDKs: services that
// receive a mandate can check its signature and claims offline with
// the platform's published Ed25519 key, without calling Guthwine.
//
// Replay protection is not provided here. Single-use nonce tracking
// requires shared state and stays with the issuing service.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mandate claim block versions.
const (
	VersionV1 = "1.0"
	VersionV2 = "2.0"
)

// Errors returned by Decode and Verify.
var (
	ErrMalformed    = errors.New("token: malformed token")
	ErrBadSignature = errors.New("token: bad signature")
	ErrExpired      = errors.New("token: expired")
	ErrNotYetValid  = errors.New("token: not yet valid")
)

// Constraints carries the spending limits embedded in a mandate.
// Executors should enforce the caps relevant to them before settling.
type Constraints struct {
	MaxAmount          *float64 `json:"maxAmount,omitempty"`
	MaxDailySpend      *float64 `json:"maxDailySpend,omitempty"`
	MaxWeeklySpend     *float64 `json:"maxWeeklySpend,omitempty"`
	MaxMonthlySpend    *float64 `json:"maxMonthlySpend,omitempty"`
	MaxTotalSpend      *float64 `json:"maxTotalSpend,omitempty"`
	MaxUsageCount      *int     `json:"maxUsageCount,omitempty"`
	MaxDelegationDepth *int     `json:"maxDelegationDepth,omitempty"`

	AllowedMerchants  []string `json:"allowedMerchants,omitempty"`
	BlockedMerchants  []string `json:"blockedMerchants,omitempty"`
	AllowedCategories []string `json:"allowedCategories,omitempty"`
	BlockedCategories []string `json:"blockedCategories,omitempty"`
	AllowedCurrencies []string `json:"allowedCurrencies,omitempty"`
	AllowedDays       []string `json:"allowedDays,omitempty"`
	AllowedHoursStart *int     `json:"allowedHoursStart,omitempty"`
	AllowedHoursEnd   *int     `json:"allowedHoursEnd,omitempty"`
	Timezone          string   `json:"timezone,omitempty"`

	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	CanSubDelegate *bool `json:"canSubDelegate,omitempty"`
	RequireReason  *bool `json:"requireReason,omitempty"`

	SemanticConstraint string `json:"semanticConstraint,omitempty"`
}

// GuthwineClaims is the nested claim block of a mandate token.
type GuthwineClaims struct {
	Type            string         `json:"type"`
	Version         string         `json:"version"`
	OrgID           string         `json:"organizationId"`
	Nonce           string         `json:"nonce"`
	DelegationChain []string       `json:"delegationChain,omitempty"`
	Permissions     []string       `json:"permissions,omitempty"`
	Constraints     *Constraints   `json:"constraints,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

// Claims is the full claim set of a mandate token. Subject is the
// agent DID the mandate empowers.
type Claims struct {
	jwt.RegisteredClaims
	Guthwine GuthwineClaims `json:"guthwine"`
}

// HasPermission reports whether the mandate grants the named permission.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Guthwine.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Decode parses a compact mandate token without verifying its
// signature. Use it to read the key id or claims before deciding
// which key to Verify with.
func Decode(tokenString string) (*Claims, string, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kid, _ := tok.Header["kid"].(string)
	return claims, kid, nil
}

// VerifyOption adjusts verification behavior.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	leeway time.Duration
}

// WithLeeway tolerates clock skew of up to d when checking expiry and
// not-before claims.
func WithLeeway(d time.Duration) VerifyOption {
	return func(c *verifyConfig) { c.leeway = d }
}

// Verify checks a mandate token's Ed25519 signature and temporal
// claims against the given public key. On success it returns the
// decoded claims.
func Verify(tokenString string, pub ed25519.PublicKey, opts ...VerifyOption) (*Claims, error) {
	cfg := &verifyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithLeeway(cfg.leeway),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
