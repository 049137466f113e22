// Package did derives and validates decentralized identifiers for agents.
//
// A DID binds an agent identity to its Ed25519 public key:
//
//	did:<method>:<base58btc(SHA256(raw_public_key)[:20])>
//
// The hash truncation keeps identifiers short while the full public key
// travels separately in the agent record.
package did

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

// DefaultMethod is the DID method used for agents minted by this service.
const DefaultMethod = "guthwine"

var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[1-9A-HJ-NP-Za-km-z]+$`)

// FromPublicKey derives the DID for an Ed25519 public key.
func FromPublicKey(method string, pub ed25519.PublicKey) (string, error) {
	if method == "" {
		method = DefaultMethod
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("did: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sum := sha256.Sum256(pub)
	return "did:" + method + ":" + base58.Encode(sum[:20]), nil
}

// Validate reports whether s is a well-formed DID.
func Validate(s string) error {
	if !didPattern.MatchString(s) {
		return fmt.Errorf("did: malformed identifier %q", s)
	}
	return nil
}

// Method extracts the method portion of a DID, or "" if malformed.
func Method(s string) string {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// Matches reports whether the DID was derived from the given public key.
func Matches(s string, pub ed25519.PublicKey) bool {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return false
	}
	derived, err := FromPublicKey(parts[1], pub)
	if err != nil {
		return false
	}
	return derived == s
}
