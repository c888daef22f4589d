package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer spaces consecutive trials so that one child's teardown (page cache,
// freed memory, file handles) does not bleed into the next measurement.
// Each wait is a fixed settle delay plus a per-trial jitter.
type Pacer struct {
	settle    time.Duration
	maxJitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer creates a pacer with a time-based jitter seed.
func NewPacer(settle, maxJitter time.Duration) *Pacer {
	return NewPacerWithSeed(settle, maxJitter, time.Now().UnixNano())
}

// NewPacerWithSeed creates a pacer with a specific seed for reproducibility.
func NewPacerWithSeed(settle, maxJitter time.Duration, seed int64) *Pacer {
	return &Pacer{
		settle:    settle,
		maxJitter: maxJitter,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the next wait without sleeping.
func (p *Pacer) Delay() time.Duration {
	if p == nil {
		return 0
	}
	d := p.settle
	if p.maxJitter > 0 {
		p.mu.Lock()
		d += time.Duration(p.rng.Int63n(int64(p.maxJitter)))
		p.mu.Unlock()
	}
	return d
}

// Wait blocks for the next delay. Returns the context error if cancelled.
// A nil Pacer never waits.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EstimatedDuration returns the expected total pacing for n trials.
func (p *Pacer) EstimatedDuration(n int) time.Duration {
	if p == nil || n <= 1 {
		return 0
	}
	return time.Duration(n-1) * (p.settle + p.maxJitter/2)
}

// Settle returns the configured settle delay.
func (p *Pacer) Settle() time.Duration {
	return p.settle
}

// MaxJitter returns the configured maximum jitter.
func (p *Pacer) MaxJitter() time.Duration {
	return p.maxJitter
}
