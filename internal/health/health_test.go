package health

import (
	"context"
	"testing"
)

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("up", func(context.Context) Status {
		return Status{Name: "up", Healthy: true}
	})
	r.Register("down", func(context.Context) Status {
		return Status{Name: "down", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("aggregate should be unhealthy when any checker fails")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if !statuses[0].Healthy || statuses[1].Healthy {
		t.Errorf("unexpected statuses: %+v", statuses)
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("statuses = %v, want none", statuses)
	}
}
