// Package retry provides bounded exponential backoff for operations that
// fail transiently, such as deleting a file a just-killed process still holds.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration // Initial delay (default: 50ms)
	Max        time.Duration // Maximum delay (default: 1s)
	Multiplier float64       // Multiplier for each attempt (default: 2)
	JitterPct  float64       // Jitter as a fraction of delay (default: 0.2 = ±10%)
	Attempts   int           // Total attempts including the first (default: 5)
}

// DefaultBackoffConfig returns the defaults used for job file cleanup.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
		JitterPct:  0.2,
		Attempts:   5,
	}
}

// Backoff calculates exponential backoff delays with jitter.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff. The seed makes jitter reproducible in tests.
func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))

	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// ErrExhausted is returned (wrapped) when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// The last error from fn is joined with ErrExhausted.
func Do(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := NewBackoff(cfg, time.Now().UnixNano())

	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(b.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return errors.Join(ErrExhausted, lastErr)
}
