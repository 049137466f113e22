package rail

import (
	"context"
	"sync"
	"time"

	"github.com/guthwine/guthwine/internal/idgen"
)

// StaticRail is a deterministic in-process rail for tests and local
// development. Every charge succeeds unless Fail is set.
type StaticRail struct {
	Fail error

	mu      sync.Mutex
	charges []*Charge
}

func (r *StaticRail) Name() string { return "static" }

func (r *StaticRail) Execute(_ context.Context, c *Charge) (*Receipt, error) {
	if r.Fail != nil {
		return nil, r.Fail
	}
	r.mu.Lock()
	cp := *c
	r.charges = append(r.charges, &cp)
	r.mu.Unlock()
	return &Receipt{
		Reference: idgen.WithPrefix("pay_"),
		Status:    "succeeded",
		SettledAt: time.Now(),
	}, nil
}

// Charges returns a copy of every executed charge.
func (r *StaticRail) Charges() []*Charge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Charge, len(r.charges))
	copy(out, r.charges)
	return out
}

var _ Rail = (*StaticRail)(nil)
