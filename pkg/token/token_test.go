package token

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, priv ed25519.PrivateKey, mutate func(*Claims)) string {
	t.Helper()

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "mdt_test",
			Issuer:    "guthwine",
			Subject:   "did:guthwine:2j3k4m5n6p7q8r9s",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Guthwine: GuthwineClaims{
			Type:        "MANDATE",
			Version:     VersionV2,
			OrgID:       "org_test",
			Nonce:       "6e6f6e63656e6f6e63656e6f6e636531",
			Permissions: []string{"purchase", "refund"},
		},
	}
	if mutate != nil {
		mutate(claims)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "svc_primary"
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestDecodeReadsClaimsAndKid(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	signed := mintToken(t, priv, nil)

	claims, kid, err := Decode(signed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if kid != "svc_primary" {
		t.Errorf("kid = %q", kid)
	}
	if claims.Guthwine.OrgID != "org_test" {
		t.Errorf("org = %q", claims.Guthwine.OrgID)
	}
	if !claims.HasPermission("purchase") || claims.HasPermission("wire_transfer") {
		t.Errorf("permissions = %v", claims.Guthwine.Permissions)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := Decode("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signed := mintToken(t, priv, nil)

	claims, err := Verify(signed, pub)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "did:guthwine:2j3k4m5n6p7q8r9s" {
		t.Errorf("subject = %q", claims.Subject)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	signed := mintToken(t, priv, nil)

	if _, err := Verify(signed, otherPub); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signed := mintToken(t, priv, func(c *Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	})

	if _, err := Verify(signed, pub); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsNotYetValid(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signed := mintToken(t, priv, func(c *Claims) {
		c.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
	})

	if _, err := Verify(signed, pub); !errors.Is(err, ErrNotYetValid) {
		t.Errorf("err = %v, want ErrNotYetValid", err)
	}
}

func TestVerifyLeewayToleratesSkew(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signed := mintToken(t, priv, func(c *Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
	})

	if _, err := Verify(signed, pub, WithLeeway(time.Minute)); err != nil {
		t.Errorf("Verify with leeway: %v", err)
	}
}
