package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guthwine/guthwine/internal/idgen"
	"github.com/guthwine/guthwine/internal/keystore"
	"github.com/guthwine/guthwine/internal/retry"
	"github.com/guthwine/guthwine/internal/syncutil"
)

// DefaultRetention is how long entries are kept before the sweeper may
// remove them (7 years).
const DefaultRetention = 7 * 365 * 24 * time.Hour

// Ledger appends signed, hash-chained entries and verifies chains.
type Ledger struct {
	store     Store
	keys      keystore.KeyStore
	keyID     string
	retention time.Duration
	logger    *slog.Logger

	// Appends for one org must be serialized so sequence numbers and the
	// previous_hash chain stay intact under concurrency.
	orgLocks syncutil.ShardedMutex
}

// NewLedger creates an audit ledger signing with the given keystore key.
func NewLedger(store Store, keys keystore.KeyStore, keyID string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     store,
		keys:      keys,
		keyID:     keyID,
		retention: DefaultRetention,
		logger:    logger,
	}
}

// WithRetention overrides the default retention period.
func (l *Ledger) WithRetention(d time.Duration) *Ledger {
	l.retention = d
	return l
}

// Append assigns the next sequence number, links and hashes the entry,
// signs the hash, and persists it. Safe for concurrent use. The org
// lock serializes writers in this process; a sequence collision with
// another replica re-reads the chain head and retries.
func (l *Ledger) Append(ctx context.Context, e *Entry) error {
	if e.OrgID == "" {
		return fmt.Errorf("audit: orgID is required")
	}
	unlock := l.orgLocks.Lock(e.OrgID)
	defer unlock()

	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.RetainUntil.IsZero() {
		e.RetainUntil = now.Add(l.retention)
	}

	return retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		prev, err := l.store.LastEntry(ctx, e.OrgID)
		switch {
		case errors.Is(err, ErrEntryNotFound):
			e.Sequence = 1
			e.PrevHash = zeroHash
		case err != nil:
			return retry.Permanent(fmt.Errorf("audit: read chain head: %w", err))
		default:
			e.Sequence = prev.Sequence + 1
			e.PrevHash = prev.EntryHash
		}

		hash, err := ComputeEntryHash(e)
		if err != nil {
			return retry.Permanent(err)
		}
		e.EntryHash = hash

		hashBytes, err := hex.DecodeString(hash)
		if err != nil {
			return retry.Permanent(fmt.Errorf("audit: decode entry hash: %w", err))
		}
		sig, err := l.keys.Sign(l.keyID, hashBytes)
		if err != nil {
			return retry.Permanent(fmt.Errorf("audit: sign entry: %w", err))
		}
		e.Signature = base64.StdEncoding.EncodeToString(sig)

		if err := l.store.AppendEntry(ctx, e); err != nil {
			if errors.Is(err, ErrSequenceTaken) {
				return err
			}
			return retry.Permanent(fmt.Errorf("audit: append: %w", err))
		}
		return nil
	})
}

// Record is the convenience appender used by the other services.
func (l *Ledger) Record(ctx context.Context, orgID, actorType, actorID, action string, payload map[string]any) error {
	return l.Append(ctx, &Entry{
		OrgID:     orgID,
		ActorType: actorType,
		ActorID:   actorID,
		Action:    action,
		Payload:   payload,
	})
}

// VerifyIntegrity recomputes every entry hash in [startSeq, endSeq]
// (whole chain when endSeq <= 0), checks chain links, and optionally
// verifies signatures. A break is reported, not fatal to the scan.
func (l *Ledger) VerifyIntegrity(ctx context.Context, orgID string, startSeq, endSeq int64, verifySignatures bool) (*IntegrityReport, error) {
	if startSeq <= 0 {
		startSeq = 1
	}
	entries, err := l.store.ListRange(ctx, orgID, startSeq, endSeq)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{Valid: true, EntriesChecked: len(entries)}
	fail := func(seq int64, format string, args ...any) {
		report.Valid = false
		report.Errors = append(report.Errors, EntryError{Sequence: seq, Problem: fmt.Sprintf(format, args...)})
	}

	var prevHash string
	for i, e := range entries {
		recomputed, err := ComputeEntryHash(e)
		if err != nil {
			fail(e.Sequence, "hash recompute failed: %v", err)
			continue
		}
		if recomputed != e.EntryHash {
			fail(e.Sequence, "entry hash mismatch: stored %s, recomputed %s", e.EntryHash, recomputed)
		}

		switch {
		case e.Sequence == 1:
			if e.PrevHash != zeroHash {
				fail(e.Sequence, "first entry previous_hash is not zero")
			}
		case i == 0:
			// Range starts mid-chain; fetch the predecessor to check the link.
			if prev, err := l.store.GetBySequence(ctx, orgID, e.Sequence-1); err == nil {
				if e.PrevHash != prev.EntryHash {
					fail(e.Sequence, "previous_hash does not match entry %d", e.Sequence-1)
				}
			}
		default:
			if entries[i-1].Sequence != e.Sequence-1 {
				fail(e.Sequence, "sequence gap after %d", entries[i-1].Sequence)
			} else if e.PrevHash != prevHash {
				fail(e.Sequence, "previous_hash does not match entry %d", e.Sequence-1)
			}
		}
		prevHash = e.EntryHash

		if verifySignatures {
			sig, err := base64.StdEncoding.DecodeString(e.Signature)
			if err != nil {
				fail(e.Sequence, "signature not decodable: %v", err)
				continue
			}
			hashBytes, err := hex.DecodeString(e.EntryHash)
			if err != nil {
				fail(e.Sequence, "entry hash not decodable: %v", err)
				continue
			}
			if err := l.keys.Verify(l.keyID, hashBytes, sig); err != nil {
				fail(e.Sequence, "signature invalid: %v", err)
			}
		}
	}
	return report, nil
}

// BuildMerkleRoot rolls up all entries after the last persisted root.
// Returns nil if there is nothing new to roll up.
func (l *Ledger) BuildMerkleRoot(ctx context.Context, orgID string) (*MerkleRoot, error) {
	startSeq := int64(1)
	if last, err := l.store.LastRoot(ctx, orgID); err == nil {
		startSeq = last.EndSeq + 1
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	entries, err := l.store.ListRange(ctx, orgID, startSeq, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	rootHash, err := MerkleFold(hashes)
	if err != nil {
		return nil, err
	}

	rootBytes, err := hex.DecodeString(rootHash)
	if err != nil {
		return nil, fmt.Errorf("audit: decode root hash: %w", err)
	}
	sig, err := l.keys.Sign(l.keyID, rootBytes)
	if err != nil {
		return nil, fmt.Errorf("audit: sign root: %w", err)
	}

	root := &MerkleRoot{
		ID:         idgen.New(),
		OrgID:      orgID,
		RootHash:   rootHash,
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Signature:  base64.StdEncoding.EncodeToString(sig),
		CreatedAt:  time.Now(),
	}
	if err := l.store.SaveRoot(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

// SweepExpired deletes entries past their retain-until and audits the
// deletion itself.
func (l *Ledger) SweepExpired(ctx context.Context, orgID string) (int64, error) {
	removed, err := l.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := l.Record(ctx, orgID, "system", "", "audit.retention_sweep", map[string]any{
			"removed": removed,
		}); err != nil {
			l.logger.Warn("retention sweep audit append failed", "error", err)
		}
	}
	return removed, nil
}

// Entries returns the entry range [startSeq, endSeq] for the org.
// endSeq <= 0 means through the chain head.
func (l *Ledger) Entries(ctx context.Context, orgID string, startSeq, endSeq int64) ([]*Entry, error) {
	if startSeq <= 0 {
		startSeq = 1
	}
	return l.store.ListRange(ctx, orgID, startSeq, endSeq)
}

// Roots returns every persisted Merkle root for the org.
func (l *Ledger) Roots(ctx context.Context, orgID string) ([]*MerkleRoot, error) {
	return l.store.ListRoots(ctx, orgID)
}

// RunJobs periodically rolls up every org's new entries and sweeps
// expired entries until ctx is cancelled. Sweep results are logged; the
// per-org audit record is only written by an explicit SweepExpired.
func (l *Ledger) RunJobs(ctx context.Context, merkleInterval, sweepPeriod time.Duration) {
	merkle := time.NewTicker(merkleInterval)
	defer merkle.Stop()
	sweep := time.NewTicker(sweepPeriod)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-merkle.C:
			orgs, err := l.store.ListOrgs(ctx)
			if err != nil {
				l.logger.Warn("merkle job org listing failed", "error", err)
				continue
			}
			for _, org := range orgs {
				root, err := l.BuildMerkleRoot(ctx, org)
				if err != nil {
					l.logger.Warn("merkle roll-up failed", "org", org, "error", err)
					continue
				}
				if root != nil {
					l.logger.Info("merkle root built", "org", org,
						"range", fmt.Sprintf("[%d,%d]", root.StartSeq, root.EndSeq), "count", root.EntryCount)
				}
			}
		case <-sweep.C:
			removed, err := l.store.DeleteExpired(ctx, time.Now())
			if err != nil {
				l.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				l.logger.Info("retention sweep removed expired entries", "removed", removed)
			}
		}
	}
}

// RunMerkleJob periodically rolls up new entries until ctx is cancelled.
func (l *Ledger) RunMerkleJob(ctx context.Context, orgID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			root, err := l.BuildMerkleRoot(ctx, orgID)
			if err != nil {
				l.logger.Warn("merkle roll-up failed", "org", orgID, "error", err)
				continue
			}
			if root != nil {
				l.logger.Info("merkle root built", "org", orgID,
					"range", fmt.Sprintf("[%d,%d]", root.StartSeq, root.EndSeq), "count", root.EntryCount)
			}
		}
	}
}

// RunRetentionJob periodically sweeps expired entries until ctx is cancelled.
func (l *Ledger) RunRetentionJob(ctx context.Context, orgID string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.SweepExpired(ctx, orgID); err != nil {
				l.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}
