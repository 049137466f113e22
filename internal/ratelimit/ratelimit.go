// Package ratelimit enforces per-agent sliding spend windows and feeds
// the anomaly detector that watches transaction velocity.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guthwine/guthwine/internal/clock"
	"github.com/guthwine/guthwine/internal/syncutil"
)

// Errors
var (
	ErrWindowNotFound = errors.New("ratelimit: window not found")
	ErrLimitExceeded  = errors.New("ratelimit: limit exceeded")
	ErrStaleWindow    = errors.New("ratelimit: concurrent window update")
)

// Defaults
const (
	DefaultWindow   = time.Hour
	DefaultMaxSpend = 10000.0
	DefaultMaxTxns  = 100

	DefaultAnomalyWindow = 5 * time.Minute
	DefaultMaxVelocity   = 5.0   // transactions per minute
	DefaultMaxSpendRate  = 500.0 // units per minute
)

// Window is the per-agent accumulator. Version backs optimistic
// concurrency in storage implementations.
type Window struct {
	AgentDID    string    `json:"agentDid"`
	WindowStart time.Time `json:"windowStart"`
	Spend       float64   `json:"spend"`
	Count       int       `json:"count"`
	Version     int64     `json:"version"`
}

// CheckResult is a pure read of the current window state.
type CheckResult struct {
	Allowed        bool      `json:"allowed"`
	CurrentSpend   float64   `json:"currentSpend"`
	Count          int       `json:"count"`
	RemainingSpend float64   `json:"remainingSpend"`
	RemainingTxns  int       `json:"remainingTxns"`
	ResetAt        time.Time `json:"resetAt"`
}

// AnomalyReport is the detector's view over the recent history.
type AnomalyReport struct {
	Anomalous bool    `json:"anomalous"`
	Velocity  float64 `json:"velocity"`  // transactions per minute
	SpendRate float64 `json:"spendRate"` // units per minute
}

// Limiter enforces sliding windows. Check is a pure read; Record
// commits after a deny-free authorization and is serialized per agent
// so racing requests cannot both slip past the cap.
type Limiter struct {
	store  Store
	clk    clock.Clock
	logger *slog.Logger

	window   time.Duration
	maxSpend float64
	maxTxns  int

	anomalyWindow time.Duration
	maxVelocity   float64
	maxSpendRate  float64

	agentLocks syncutil.ShardedMutex
}

// NewLimiter creates a rate limiter with the default thresholds.
func NewLimiter(store Store, clk clock.Clock, logger *slog.Logger) *Limiter {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:         store,
		clk:           clk,
		logger:        logger,
		window:        DefaultWindow,
		maxSpend:      DefaultMaxSpend,
		maxTxns:       DefaultMaxTxns,
		anomalyWindow: DefaultAnomalyWindow,
		maxVelocity:   DefaultMaxVelocity,
		maxSpendRate:  DefaultMaxSpendRate,
	}
}

// WithLimits overrides the window size and caps.
func (l *Limiter) WithLimits(window time.Duration, maxSpend float64, maxTxns int) *Limiter {
	if window > 0 {
		l.window = window
	}
	if maxSpend > 0 {
		l.maxSpend = maxSpend
	}
	if maxTxns > 0 {
		l.maxTxns = maxTxns
	}
	return l
}

// WithAnomalyThresholds overrides the detector configuration.
func (l *Limiter) WithAnomalyThresholds(window time.Duration, maxVelocity, maxSpendRate float64) *Limiter {
	if window > 0 {
		l.anomalyWindow = window
	}
	if maxVelocity > 0 {
		l.maxVelocity = maxVelocity
	}
	if maxSpendRate > 0 {
		l.maxSpendRate = maxSpendRate
	}
	return l
}

// Check reads the current window and reports whether the amount would
// fit. It never commits.
func (l *Limiter) Check(ctx context.Context, agentDID string, amount float64) (*CheckResult, error) {
	now := l.clk.Now()
	w, err := l.currentWindow(ctx, agentDID, now)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{
		CurrentSpend:   w.Spend,
		Count:          w.Count,
		RemainingSpend: l.maxSpend - w.Spend,
		RemainingTxns:  l.maxTxns - w.Count,
		ResetAt:        w.WindowStart.Add(l.window),
	}
	if res.RemainingSpend < 0 {
		res.RemainingSpend = 0
	}
	if res.RemainingTxns < 0 {
		res.RemainingTxns = 0
	}
	res.Allowed = w.Spend+amount <= l.maxSpend && w.Count+1 <= l.maxTxns
	return res, nil
}

// Record commits a transaction into the window and appends it to the
// anomaly history. The re-check inside the per-agent critical section
// is what guarantees two concurrent requests cannot both commit past
// the cap.
func (l *Limiter) Record(ctx context.Context, agentDID string, amount float64) error {
	unlock := l.agentLocks.Lock(agentDID)
	defer unlock()

	now := l.clk.Now()
	for attempt := 0; attempt < 3; attempt++ {
		w, err := l.currentWindow(ctx, agentDID, now)
		if err != nil {
			return err
		}
		if w.Spend+amount > l.maxSpend || w.Count+1 > l.maxTxns {
			return ErrLimitExceeded
		}

		w.Spend += amount
		w.Count++
		err = l.store.PutWindow(ctx, w)
		if errors.Is(err, ErrStaleWindow) {
			continue
		}
		if err != nil {
			return err
		}
		return l.store.AddHistory(ctx, &HistoryEntry{AgentDID: agentDID, Amount: amount, At: now})
	}
	return ErrStaleWindow
}

// Detect computes velocity and spend-rate over the anomaly window.
func (l *Limiter) Detect(ctx context.Context, agentDID string) (*AnomalyReport, error) {
	now := l.clk.Now()
	history, err := l.store.HistorySince(ctx, agentDID, now.Add(-l.anomalyWindow))
	if err != nil {
		return nil, err
	}

	minutes := l.anomalyWindow.Minutes()
	var spend float64
	for _, h := range history {
		spend += h.Amount
	}
	report := &AnomalyReport{
		Velocity:  float64(len(history)) / minutes,
		SpendRate: spend / minutes,
	}
	report.Anomalous = report.Velocity > l.maxVelocity || report.SpendRate > l.maxSpendRate
	return report, nil
}

// PurgeHistory drops history entries older than the anomaly window.
func (l *Limiter) PurgeHistory(ctx context.Context) error {
	return l.store.PurgeHistory(ctx, l.clk.Now().Add(-l.anomalyWindow))
}

// currentWindow loads the agent's window, resetting it if expired.
func (l *Limiter) currentWindow(ctx context.Context, agentDID string, now time.Time) (*Window, error) {
	w, err := l.store.GetWindow(ctx, agentDID)
	if errors.Is(err, ErrWindowNotFound) {
		return &Window{AgentDID: agentDID, WindowStart: now}, nil
	}
	if err != nil {
		return nil, err
	}
	if now.Sub(w.WindowStart) > l.window {
		return &Window{AgentDID: agentDID, WindowStart: now, Version: w.Version}, nil
	}
	return w, nil
}
