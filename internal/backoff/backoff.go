// Package backoff computes bounded exponential retry delays with jitter.
//
// Delays grow by Multiplier from Initial up to Max. Each delay gets up
// to Jitter*base of random extra time, seeded from the wall clock so a
// fleet of devices rebooting together does not reconnect in lockstep.
// The sequence returned by [Backoff.Next] is non-decreasing and never
// exceeds Max, jitter included.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Config controls the delay schedule.
type Config struct {
	// Initial is the first delay (default: 500ms).
	Initial time.Duration

	// Max is the ceiling for every delay, jitter included (default: 30s).
	Max time.Duration

	// Multiplier scales the base delay after each step (default: 2.0).
	Multiplier float64

	// Jitter is the maximum random extra as a fraction of the base
	// delay (default: 0.25). Zero disables jitter.
	Jitter float64
}

// DefaultConfig returns 500ms, 1s, 2s, ... capped at 30s with 25% jitter.
func DefaultConfig() Config {
	return Config{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Backoff produces successive delays. It is not safe for concurrent use;
// each retry loop owns its own instance.
type Backoff struct {
	cfg     Config
	current time.Duration // base delay before jitter
	last    time.Duration // last delay handed out
	steps   int
	rng     *rand.Rand
}

// New creates a Backoff. Zero-value Config fields are replaced with
// defaults.
func New(cfg Config) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{
		cfg:     cfg,
		current: cfg.Initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the effective configuration.
func (b *Backoff) Config() Config { return b.cfg }

// Next returns the next delay and advances the schedule.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	if b.cfg.Jitter > 0 {
		delay += time.Duration(b.rng.Float64() * b.cfg.Jitter * float64(b.current))
	}
	if delay > b.cfg.Max {
		delay = b.cfg.Max
	}
	// Jitter on a smaller base may not undercut a previous delay.
	if delay < b.last {
		delay = b.last
	}
	b.last = delay
	b.steps++

	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next

	return delay
}

// Steps returns how many delays have been handed out since the last
// Reset.
func (b *Backoff) Steps() int { return b.steps }

// Reset restarts the schedule from Initial. Call after a success.
func (b *Backoff) Reset() {
	b.current = b.cfg.Initial
	b.last = 0
	b.steps = 0
}

// Sleep sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
