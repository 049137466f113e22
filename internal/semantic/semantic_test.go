package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/guthwine/guthwine/internal/cache"
)

func TestCheckCompliant(t *testing.T) {
	eval := &StaticEvaluator{ForbiddenTerms: []string{"gambling"}}
	checker := NewChecker(eval, cache.NewMemory(), nil)

	v, err := checker.Check(context.Background(), Input{
		Clauses:   []string{"only business purchases"},
		Reasoning: "buying printer paper for the office",
		Amount:    45,
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.Compliant {
		t.Errorf("verdict = %+v, want compliant", v)
	}
}

func TestCheckNonCompliant(t *testing.T) {
	eval := &StaticEvaluator{ForbiddenTerms: []string{"gambling"}}
	checker := NewChecker(eval, cache.NewMemory(), nil)

	v, err := checker.Check(context.Background(), Input{
		Clauses:   []string{"only business purchases"},
		Reasoning: "placing a gambling bet",
		Amount:    45,
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Compliant {
		t.Error("gambling reasoning must be non-compliant")
	}
}

func TestCheckCachesVerdicts(t *testing.T) {
	eval := &StaticEvaluator{}
	checker := NewChecker(eval, cache.NewMemory(), nil)
	in := Input{Clauses: []string{"c"}, Reasoning: "r", Amount: 120, MerchantName: "acme"}

	first, err := checker.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if first.Cached {
		t.Error("first verdict must not be cached")
	}

	second, err := checker.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if !second.Cached {
		t.Error("second verdict must come from cache")
	}
	if eval.Calls() != 1 {
		t.Errorf("evaluator ran %d times, want 1", eval.Calls())
	}
}

func TestCheckAmountBucketSharing(t *testing.T) {
	base := Input{Clauses: []string{"c"}, Reasoning: "r", MerchantName: "acme"}

	a, b := base, base
	a.Amount, b.Amount = 150, 180 // same order of magnitude
	if CacheKey(a) != CacheKey(b) {
		t.Error("amounts in the same bucket must share a key")
	}

	c := base
	c.Amount = 1500
	if CacheKey(a) == CacheKey(c) {
		t.Error("amounts an order of magnitude apart must not share a key")
	}
}

func TestCheckKeyDiscriminators(t *testing.T) {
	base := Input{Clauses: []string{"c"}, Reasoning: "r", Amount: 100, MerchantName: "acme"}

	diff := base
	diff.Clauses = []string{"other clause"}
	if CacheKey(base) == CacheKey(diff) {
		t.Error("different clauses must not share a key")
	}

	diff = base
	diff.MerchantName = "globex"
	if CacheKey(base) == CacheKey(diff) {
		t.Error("different merchants must not share a key")
	}
}

func TestCheckPropagatesFailure(t *testing.T) {
	eval := &StaticEvaluator{Err: errors.New("model unavailable")}
	checker := NewChecker(eval, cache.NewMemory(), nil)

	_, err := checker.Check(context.Background(), Input{Clauses: []string{"c"}})
	if !errors.Is(err, ErrEvaluatorFailure) {
		t.Fatalf("err = %v, want ErrEvaluatorFailure", err)
	}
}

func TestCheckTimeoutClassified(t *testing.T) {
	eval := &StaticEvaluator{Err: context.DeadlineExceeded}
	checker := NewChecker(eval, cache.NewMemory(), nil)

	_, err := checker.Check(context.Background(), Input{Clauses: []string{"c"}})
	if !errors.Is(err, ErrEvaluatorTimeout) {
		t.Fatalf("err = %v, want ErrEvaluatorTimeout", err)
	}
}
