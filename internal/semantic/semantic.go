// Package semantic checks natural-language constraint clauses against
// a transaction's reasoning trace. The actual judgment is delegated to
// an Evaluator capability (an LLM in production, a static evaluator in
// tests); this package owns caching and input shaping.
package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/guthwine/guthwine/internal/cache"
)

// Errors
var (
	ErrEvaluatorTimeout = errors.New("semantic: evaluator timeout")
	ErrEvaluatorFailure = errors.New("semantic: evaluator failure")
)

// DefaultCacheTTL bounds how long a semantic verdict is reused.
const DefaultCacheTTL = 15 * time.Minute

// Input is everything the evaluator sees about a request.
type Input struct {
	Clauses      []string `json:"clauses"`
	Reasoning    string   `json:"reasoning"`
	Amount       float64  `json:"amount"`
	Currency     string   `json:"currency"`
	MerchantName string   `json:"merchantName"`
	AgentName    string   `json:"agentName"`
}

// Verdict is the evaluator's judgment.
type Verdict struct {
	Compliant  bool    `json:"compliant"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	LatencyMs  int64   `json:"latencyMs"`
	Cost       float64 `json:"cost"`
	Cached     bool    `json:"cached"`
}

// Evaluator is the pluggable judgment capability.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*Verdict, error)
}

// Checker fronts an Evaluator with a verdict cache.
type Checker struct {
	evaluator Evaluator
	cache     cache.Cache
	ttl       time.Duration
	logger    *slog.Logger
}

// NewChecker creates a caching semantic checker.
func NewChecker(evaluator Evaluator, c cache.Cache, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		evaluator: evaluator,
		cache:     c,
		ttl:       DefaultCacheTTL,
		logger:    logger,
	}
}

// WithTTL overrides the verdict cache TTL.
func (c *Checker) WithTTL(ttl time.Duration) *Checker {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// Check evaluates the clauses, serving repeated near-identical requests
// from cache. Errors from the evaluator propagate to the caller, which
// treats them as fail-closed.
func (c *Checker) Check(ctx context.Context, in Input) (*Verdict, error) {
	key := CacheKey(in)
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, key); err == nil {
			v := &Verdict{}
			if err := json.Unmarshal(raw, v); err == nil {
				v.Cached = true
				return v, nil
			}
		}
	}

	start := time.Now()
	v, err := c.evaluator.Evaluate(ctx, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrEvaluatorTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEvaluatorFailure, err)
	}
	if v.LatencyMs == 0 {
		v.LatencyMs = time.Since(start).Milliseconds()
	}

	if c.cache != nil {
		if raw, err := json.Marshal(v); err == nil {
			if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
				c.logger.Warn("semantic verdict cache set failed", "error", err)
			}
		}
	}
	return v, nil
}

// CacheKey is SHA-256 over the clauses, reasoning trace, amount bucket,
// and merchant. Bucketing the amount lets small variations share a
// verdict.
func CacheKey(in Input) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(in.Clauses, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(in.Reasoning))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", amountBucket(in.Amount))
	h.Write([]byte{0})
	h.Write([]byte(in.MerchantName))
	return "semantic:" + hex.EncodeToString(h.Sum(nil))
}

// amountBucket maps an amount to an order-of-magnitude bucket.
func amountBucket(amount float64) int {
	if amount <= 0 {
		return 0
	}
	return int(math.Floor(math.Log10(amount))) + 1
}
