package memory

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSampleInterval is the peak tracker's polling period.
const DefaultSampleInterval = 20 * time.Millisecond

// PeakTracker samples one process on a ticker and keeps the running
// maximum.
type PeakTracker struct {
	sampler  Sampler
	pid      int
	interval time.Duration

	peak    atomic.Int64
	samples atomic.Int64
	misses  atomic.Int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartPeakTracker begins sampling pid every interval (default 20ms).
// The first sample is taken immediately.
func StartPeakTracker(s Sampler, pid int, interval time.Duration) *PeakTracker {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	t := &PeakTracker{
		sampler:  s,
		pid:      pid,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.peak.Store(Unknown)
	go t.run()
	return t
}

func (t *PeakTracker) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.sample()
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

func (t *PeakTracker) sample() {
	v := t.sampler.Sample(t.pid)
	if v == Unknown {
		t.misses.Add(1)
		return
	}
	t.samples.Add(1)
	for {
		cur := t.peak.Load()
		if v <= cur || t.peak.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Stop ends sampling and returns the peak in bytes, or Unknown if no
// sample succeeded. Safe to call more than once.
func (t *PeakTracker) Stop() int64 {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
	return t.peak.Load()
}

// Peak returns the maximum observed so far.
func (t *PeakTracker) Peak() int64 {
	return t.peak.Load()
}

// Samples returns the number of successful and failed samples.
func (t *PeakTracker) Samples() (ok, missed int64) {
	return t.samples.Load(), t.misses.Load()
}
