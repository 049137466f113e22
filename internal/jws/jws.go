// Package jws adapts the keystore to golang-jwt so mandate and
// delegation tokens can be signed without ever exporting private keys.
//
// Wire layout is standard JWS compact serialization:
// base64url(header) "." base64url(payload) "." base64url(signature),
// header {"alg":"EdDSA","typ":"JWT","kid":<key id>}.
package jws

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guthwine/guthwine/internal/keystore"
)

// Errors
var (
	ErrBadKeyType     = errors.New("jws: key must be a *jws.Key")
	ErrMalformedToken = errors.New("jws: token must have three parts")
	ErrBadSignature   = errors.New("jws: signature verification failed")
)

// Key binds a keystore key ID to the signing method.
type Key struct {
	Store keystore.KeyStore
	KeyID string
}

// SigningMethodKeystore signs EdDSA through the keystore. It advertises
// alg=EdDSA so tokens interoperate with standard verifiers.
type SigningMethodKeystore struct{}

// Method is the shared instance used for all token signing.
var Method = &SigningMethodKeystore{}

func (m *SigningMethodKeystore) Alg() string { return "EdDSA" }

func (m *SigningMethodKeystore) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.(*Key)
	if !ok {
		return nil, ErrBadKeyType
	}
	return k.Store.Sign(k.KeyID, []byte(signingString))
}

func (m *SigningMethodKeystore) Verify(signingString string, sig []byte, key any) error {
	k, ok := key.(*Key)
	if !ok {
		return ErrBadKeyType
	}
	if err := k.Store.Verify(k.KeyID, []byte(signingString), sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// Sign builds a signed compact token for the given claims, stamping the
// key id into the header.
func Sign(claims jwt.Claims, key *Key) (string, error) {
	token := jwt.NewWithClaims(Method, claims)
	token.Header["kid"] = key.KeyID
	return token.SignedString(key)
}

// Decode parses the claims without verifying the signature and returns
// the kid header. Callers use the kid to pick the verification key and
// then call Verify.
func Decode(tokenString string, claims jwt.Claims) (kid string, err error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		return "", err
	}
	kid, _ = token.Header["kid"].(string)
	return kid, nil
}

// Verify checks the detached signature against the keystore. Signature
// bytes cover base64url(header) "." base64url(payload). Time-based
// claims are validated by the callers, which own the clock.
func Verify(tokenString string, key *Key) error {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return ErrMalformedToken
	}
	return Method.Verify(parts[0]+"."+parts[1], sig, key)
}

var _ jwt.SigningMethod = (*SigningMethodKeystore)(nil)
