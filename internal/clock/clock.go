// Package clock abstracts time and randomness so crypto and
// rate-limit behavior is reproducible in tests.
package clock

import (
	"crypto/rand"
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// RNG fills a buffer with random bytes.
type RNG interface {
	Read(p []byte) (int, error)
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// CryptoRNG reads from crypto/rand.
type CryptoRNG struct{}

func (CryptoRNG) Read(p []byte) (int, error) { return rand.Read(p) }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed creates a clock pinned to t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
