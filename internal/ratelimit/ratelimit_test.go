package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guthwine/guthwine/internal/clock"
)

const agentDID = "did:guthwine:ratetest"

func testLimiter(clk clock.Clock) *Limiter {
	return NewLimiter(NewMemoryStore(), clk, nil)
}

func TestCheckIsPure(t *testing.T) {
	l := testLimiter(nil).WithLimits(time.Hour, 1000, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, agentDID, 100)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied", i)
		}
		if res.CurrentSpend != 0 {
			t.Fatalf("check must not commit: spend = %v", res.CurrentSpend)
		}
	}
}

func TestRecordAccumulates(t *testing.T) {
	l := testLimiter(nil).WithLimits(time.Hour, 1000, 10)
	ctx := context.Background()

	if err := l.Record(ctx, agentDID, 400); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, agentDID, 400); err != nil {
		t.Fatalf("Record: %v", err)
	}

	res, _ := l.Check(ctx, agentDID, 100)
	if res.CurrentSpend != 800 || res.Count != 2 {
		t.Errorf("window = %v spend / %d txns, want 800 / 2", res.CurrentSpend, res.Count)
	}
	if res.RemainingSpend != 200 {
		t.Errorf("remaining = %v, want 200", res.RemainingSpend)
	}

	res, _ = l.Check(ctx, agentDID, 300)
	if res.Allowed {
		t.Error("300 over a 200 remainder must not be allowed")
	}
}

func TestRecordEnforcesCaps(t *testing.T) {
	l := testLimiter(nil).WithLimits(time.Hour, 500, 10)
	ctx := context.Background()

	if err := l.Record(ctx, agentDID, 400); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := l.Record(ctx, agentDID, 200)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}
}

func TestRecordEnforcesCount(t *testing.T) {
	l := testLimiter(nil).WithLimits(time.Hour, 1e9, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Record(ctx, agentDID, 1); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if err := l.Record(ctx, agentDID, 1); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded on 4th txn", err)
	}
}

func TestWindowResets(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := testLimiter(clk).WithLimits(time.Hour, 500, 100)
	ctx := context.Background()

	if err := l.Record(ctx, agentDID, 500); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, agentDID, 1); !errors.Is(err, ErrLimitExceeded) {
		t.Fatal("window must be full")
	}

	clk.Advance(61 * time.Minute)
	if err := l.Record(ctx, agentDID, 500); err != nil {
		t.Fatalf("Record after window expiry: %v", err)
	}
	res, _ := l.Check(ctx, agentDID, 0)
	if res.CurrentSpend != 500 || res.Count != 1 {
		t.Errorf("reset window = %v / %d, want 500 / 1", res.CurrentSpend, res.Count)
	}
}

// Two concurrent commits must never both land when the second would
// exceed the cap.
func TestConcurrentRecordsCannotBothExceedCap(t *testing.T) {
	l := testLimiter(nil).WithLimits(time.Hour, 500, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Record(ctx, agentDID, 300)
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
		} else if !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if committed != 1 {
		t.Fatalf("committed = %d, want exactly 1", committed)
	}

	res, _ := l.Check(ctx, agentDID, 0)
	if res.CurrentSpend != 300 {
		t.Errorf("spend = %v, want 300", res.CurrentSpend)
	}
}

func TestDetectAnomalyVelocity(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := testLimiter(clk).
		WithLimits(time.Hour, 1e9, 1000).
		WithAnomalyThresholds(5*time.Minute, 5, 1e9)
	ctx := context.Background()

	// 30 transactions in 5 minutes = 6 tx/min, over the 5 tx/min limit.
	for i := 0; i < 30; i++ {
		if err := l.Record(ctx, agentDID, 1); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		clk.Advance(10 * time.Second)
	}

	report, err := l.Detect(ctx, agentDID)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !report.Anomalous {
		t.Errorf("velocity %v tx/min must be anomalous", report.Velocity)
	}
}

func TestDetectAnomalySpendRate(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := testLimiter(clk).
		WithLimits(time.Hour, 1e9, 1000).
		WithAnomalyThresholds(5*time.Minute, 1e9, 500)
	ctx := context.Background()

	// 3000 units over 5 minutes = 600 units/min, over the 500/min limit.
	for i := 0; i < 3; i++ {
		if err := l.Record(ctx, agentDID, 1000); err != nil {
			t.Fatalf("Record: %v", err)
		}
		clk.Advance(time.Minute)
	}

	report, _ := l.Detect(ctx, agentDID)
	if !report.Anomalous {
		t.Errorf("spend rate %v/min must be anomalous", report.SpendRate)
	}
}

func TestDetectQuietAgent(t *testing.T) {
	l := testLimiter(nil)
	ctx := context.Background()
	_ = l.Record(ctx, agentDID, 50)

	report, err := l.Detect(ctx, agentDID)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if report.Anomalous {
		t.Errorf("one transaction must not be anomalous: %+v", report)
	}
}

func TestDetectIgnoresOldHistory(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := testLimiter(clk).WithAnomalyThresholds(5*time.Minute, 5, 500)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_ = l.Record(ctx, agentDID, 10)
	}
	clk.Advance(10 * time.Minute)

	report, _ := l.Detect(ctx, agentDID)
	if report.Anomalous {
		t.Errorf("stale history must age out: %+v", report)
	}
}
