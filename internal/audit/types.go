// Package audit implements the tamper-evident ledger: a hash-chained,
// signed, append-only log per organization with periodic Merkle roll-ups.
package audit

import (
	"errors"
	"time"
)

// Severity levels for entries.
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

// Errors
var (
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrSequenceTaken = errors.New("audit: sequence number already assigned")
	ErrChainCorrupt  = errors.New("audit: hash chain corrupt")
)

// Entry is one audit record. For sequence n,
// previous_hash = entry_hash(n-1) (all-zeros for n=1) and
// entry_hash = SHA256(canonical_json({id, action, payload, previous_hash, sequence_number})).
type Entry struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"orgId"`
	Sequence    int64          `json:"sequenceNumber"`
	ActorType   string         `json:"actorType"`
	ActorID     string         `json:"actorId,omitempty"`
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload,omitempty"`
	PrevHash    string         `json:"previousHash"` // hex
	EntryHash   string         `json:"entryHash"`    // hex
	Signature   string         `json:"signature"`    // base64, Ed25519 over entry_hash
	Severity    string         `json:"severity"`
	RetainUntil time.Time      `json:"retainUntil"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// MerkleRoot summarizes a contiguous entry range for external anchoring.
type MerkleRoot struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	RootHash     string    `json:"rootHash"` // hex
	StartSeq     int64     `json:"startSeq"`
	EndSeq       int64     `json:"endSeq"`
	EntryCount   int       `json:"entryCount"`
	Signature    string    `json:"signature"` // base64, Ed25519 over root hash bytes
	AnchoredTo   string    `json:"anchoredTo,omitempty"`
	AnchoredAt   time.Time `json:"anchoredAt,omitempty"`
	AnchorTxHash string    `json:"anchorTxHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EntryError describes a single integrity failure at a sequence number.
type EntryError struct {
	Sequence int64  `json:"sequence"`
	Problem  string `json:"problem"`
}

// IntegrityReport is the result of a chain verification scan.
// A single break does not abort the scan; all errors are collected.
type IntegrityReport struct {
	Valid          bool         `json:"valid"`
	EntriesChecked int          `json:"entriesChecked"`
	Errors         []EntryError `json:"errors,omitempty"`
}
