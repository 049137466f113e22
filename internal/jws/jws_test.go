package jws

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guthwine/guthwine/internal/keystore"
)

func newSigningKey(t *testing.T) *Key {
	t.Helper()
	ks, err := keystore.NewLocal("jws-test-secret-123456", "jws-test-salt", nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	keyID, err := ks.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &Key{Store: ks, KeyID: keyID}
}

func TestSignDecodeVerify(t *testing.T) {
	key := newSigningKey(t)

	claims := &jwt.RegisteredClaims{
		ID:        "tok_1",
		Subject:   "did:guthwine:2j3k4m5n6p7q8r9s",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	signed, err := Sign(claims, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	decoded := &jwt.RegisteredClaims{}
	kid, err := Decode(signed, decoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if kid != key.KeyID {
		t.Errorf("kid = %q, want %q", kid, key.KeyID)
	}
	if decoded.Subject != claims.Subject {
		t.Errorf("subject = %q", decoded.Subject)
	}

	if err := Verify(signed, key); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	key := newSigningKey(t)
	other := newSigningKey(t)

	signed, err := Sign(&jwt.RegisteredClaims{ID: "tok_2"}, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(signed, other); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	key := newSigningKey(t)
	signed, err := Sign(&jwt.RegisteredClaims{Subject: "a"}, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	forged, err := Sign(&jwt.RegisteredClaims{Subject: "b"}, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// Splice the forged payload onto the original signature.
	orig := strings.Split(signed, ".")
	fake := strings.Split(forged, ".")
	spliced := orig[0] + "." + fake[1] + "." + orig[2]

	if err := Verify(spliced, key); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	key := newSigningKey(t)
	if err := Verify("one.two", key); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("err = %v, want ErrMalformedToken", err)
	}
}
