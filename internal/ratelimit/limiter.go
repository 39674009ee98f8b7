// Package ratelimit bounds per-address request volume over a fixed window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMax is the request ceiling per window.
	DefaultMax = 1000
	// DefaultWindow is the fixed window length.
	DefaultWindow = 15 * time.Minute
	// DefaultSweepInterval paces removal of stale records.
	DefaultSweepInterval = 5 * time.Minute
	// SentinelAddress buckets requests whose client address cannot be
	// determined. Those callers share one counter; the imprecision is
	// accepted rather than corrected.
	SentinelAddress = "unknown"
)

type record struct {
	count    int
	resetsAt time.Time
}

// Limiter is a fixed-window counter keyed by client address.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	max     int
	window  time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// Config describes the limiter dependencies.
type Config struct {
	Max    int
	Window time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	max := cfg.Max
	if max <= 0 {
		max = DefaultMax
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		records: make(map[string]*record),
		max:     max,
		window:  window,
		clock:   clock,
		logger:  logger,
	}
}

// Allow reports whether a request from address fits inside the current
// window. The first request from an address, or the first after its window
// elapses, resets the count to 1 and opens a fresh window.
func (l *Limiter) Allow(address string) bool {
	if address == "" {
		address = SentinelAddress
	}

	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.records[address]
	if !ok || !now.Before(current.resetsAt) {
		l.records[address] = &record{count: 1, resetsAt: now.Add(l.window)}
		return true
	}

	current.count++
	if current.count > l.max {
		l.logger.Warn("rate limit exceeded",
			zap.String("address", address),
			zap.Int("count", current.count),
			zap.Time("window_resets_at", current.resetsAt))
		return false
	}
	return true
}

// Window returns the fixed window length, for retry hints in responses.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Len reports the number of tracked addresses.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// StartSweep removes records whose window has long elapsed, on a fixed
// interval, until ctx is done.
func (l *Limiter) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepStale()
			}
		}
	}()
}

func (l *Limiter) sweepStale() {
	now := l.clock()
	l.mu.Lock()
	for address, current := range l.records {
		if now.After(current.resetsAt) {
			delete(l.records, address)
		}
	}
	l.mu.Unlock()
}
