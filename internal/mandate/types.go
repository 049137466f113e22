// Package mandate issues and verifies mandates: short-lived signed
// tokens that authorize one downstream execution, protected against
// replay by single-use nonces.
package mandate

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guthwine/guthwine/internal/delegation"
)

// Versions carried in the guthwine claim block.
const (
	VersionV1 = "1.0"
	VersionV2 = "2.0"
)

// LegacyOrg tags migrated v1 mandates so verifiers can filter them.
const LegacyOrg = "legacy"

// Errors
var (
	ErrMalformed      = errors.New("mandate: malformed token")
	ErrBadSignature   = errors.New("mandate: bad signature")
	ErrExpired        = errors.New("mandate: expired")
	ErrNotYetValid    = errors.New("mandate: not yet valid")
	ErrNonceReplay    = errors.New("mandate: nonce already used")
	ErrNonceMissing   = errors.New("mandate: nonce missing or too short")
	ErrRevoked        = errors.New("mandate: revoked")
	ErrLegacyRejected = errors.New("mandate: legacy v1 tokens not accepted")
	ErrNotDelegable   = errors.New("mandate: permissions exceed parent")
	ErrTTLTooLong     = errors.New("mandate: requested lifetime exceeds maximum")
)

// GuthwineClaims is the nested claim block of a mandate token.
type GuthwineClaims struct {
	Type            string                  `json:"type"`
	Version         string                  `json:"version"`
	OrgID           string                  `json:"organizationId"`
	Nonce           string                  `json:"nonce"`
	DelegationChain []string                `json:"delegationChain,omitempty"`
	Permissions     []string                `json:"permissions,omitempty"`
	Constraints     *delegation.Constraints `json:"constraints,omitempty"`
	Custom          map[string]any          `json:"custom,omitempty"`
}

// Claims is the full claim set of a mandate token. Subject is the
// agent DID the mandate empowers.
type Claims struct {
	jwt.RegisteredClaims
	Guthwine GuthwineClaims `json:"guthwine"`
}

// Mandate pairs the signed compact token with its decoded claims.
type Mandate struct {
	Token  string  `json:"token"`
	Claims *Claims `json:"claims"`
	KeyID  string  `json:"keyId"`
}
