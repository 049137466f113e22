package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// zeroHash is the previous_hash of the first entry in a chain.
var zeroHash = hex.EncodeToString(make([]byte, 32))

// hashInput is the exact field set covered by the entry hash. Renaming
// or reordering these keys breaks every existing chain.
type hashInput struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload"`
	PrevHash string         `json:"previous_hash"`
	Sequence int64          `json:"sequence_number"`
}

// ComputeEntryHash returns the hex SHA-256 over the RFC 8785 canonical
// JSON of the hashed entry fields.
func ComputeEntryHash(e *Entry) (string, error) {
	raw, err := json.Marshal(hashInput{
		ID:       e.ID,
		Action:   e.Action,
		Payload:  e.Payload,
		PrevHash: e.PrevHash,
		Sequence: e.Sequence,
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
