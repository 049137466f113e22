package delegation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
)

// TokenVersion is the wire version for delegation token claims.
const TokenVersion = "2.0"

// GuthwineClaims is the nested claim block carried under the
// "guthwine" key in both delegation and mandate tokens.
type GuthwineClaims struct {
	Type          string       `json:"type"`
	Version       string       `json:"version"`
	OrgID         string       `json:"organizationId"`
	ParentTokenID string       `json:"parentTokenId,omitempty"`
	Constraints   *Constraints `json:"constraints,omitempty"`
	Depth         int          `json:"depth"`
	ChainHash     string       `json:"chainHash,omitempty"`
}

// Claims is the full JWT claim set of a delegation token. Issuer and
// Subject carry the issuer and recipient DIDs.
type Claims struct {
	jwt.RegisteredClaims
	Guthwine GuthwineClaims `json:"guthwine"`
}

func buildClaims(t *Token) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.ID,
			Issuer:    t.IssuerDID,
			Subject:   t.RecipientDID,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			NotBefore: jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		Guthwine: GuthwineClaims{
			Type:          "DELEGATION",
			Version:       TokenVersion,
			OrgID:         t.OrgID,
			ParentTokenID: t.ParentID,
			Constraints:   t.Constraints,
			Depth:         t.Depth,
			ChainHash:     t.ChainHash,
		},
	}
}

// TokenHash fingerprints a signed token: SHA-256 over the compact
// serialization. Chain hashes are built from it.
func TokenHash(signed string) string {
	sum := sha256.Sum256([]byte(signed))
	return hex.EncodeToString(sum[:])
}

// ChainHashFor binds a child token to its parent: SHA-256 over the JCS
// encoding of {parentHash, issuer, recipient}.
func ChainHashFor(parentTokenHash, issuerDID, recipientDID string) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"parent_hash": parentTokenHash,
		"issuer":      issuerDID,
		"recipient":   recipientDID,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("delegation: canonicalize chain hash input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// expiresWithin clamps a requested expiry to the parent's and the
// service maximum. Zero requested means use the default TTL.
func expiresWithin(now time.Time, requested *time.Time, defaultTTL time.Duration, parentExpiry *time.Time) time.Time {
	exp := now.Add(defaultTTL)
	if requested != nil && !requested.IsZero() {
		exp = *requested
	}
	if parentExpiry != nil && exp.After(*parentExpiry) {
		exp = *parentExpiry
	}
	return exp
}
