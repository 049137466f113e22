package semantic

import (
	"context"
	"strings"
	"sync/atomic"
)

// StaticEvaluator is a deterministic Evaluator for tests and local
// development: a request is compliant unless its reasoning trace
// mentions a configured forbidden term.
type StaticEvaluator struct {
	ForbiddenTerms []string
	Confidence     float64
	Err            error

	calls atomic.Int64
}

func (s *StaticEvaluator) Evaluate(_ context.Context, in Input) (*Verdict, error) {
	s.calls.Add(1)
	if s.Err != nil {
		return nil, s.Err
	}
	confidence := s.Confidence
	if confidence == 0 {
		confidence = 0.95
	}
	reasoning := strings.ToLower(in.Reasoning)
	for _, term := range s.ForbiddenTerms {
		if strings.Contains(reasoning, strings.ToLower(term)) {
			return &Verdict{
				Compliant:  false,
				Confidence: confidence,
				Reasoning:  "reasoning mentions forbidden term: " + term,
			}, nil
		}
	}
	return &Verdict{Compliant: true, Confidence: confidence, Reasoning: "no violations found"}, nil
}

// Calls reports how many times the underlying evaluator ran (cache
// hits do not count).
func (s *StaticEvaluator) Calls() int64 { return s.calls.Load() }

var _ Evaluator = (*StaticEvaluator)(nil)
