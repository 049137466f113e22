package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MerkleFold builds a Merkle root over the given hex entry hashes by
// pairwise SHA-256, duplicating the last element on odd rows.
func MerkleFold(entryHashes []string) (string, error) {
	if len(entryHashes) == 0 {
		return "", fmt.Errorf("audit: merkle fold over empty range")
	}

	level := make([][]byte, 0, len(entryHashes))
	for _, h := range entryHashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return "", fmt.Errorf("audit: bad entry hash %q: %w", h, err)
		}
		level = append(level, raw)
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}
