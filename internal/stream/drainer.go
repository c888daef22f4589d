package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Stream names passed to the sink.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// ErrDrainTimeout is returned by Wait when the streams did not reach EOF in
// time, typically because a surviving grandchild still holds a pipe open.
var ErrDrainTimeout = errors.New("stream drain timed out")

// Config configures a Drainer.
type Config struct {
	// BufferSize is the sink queue length in lines.
	BufferSize int

	// DropThreshold is the drop fraction above which the drain is degraded.
	DropThreshold float64

	// MaxLineBytes bounds a single line; longer lines are skipped.
	MaxLineBytes int

	// Accumulate keeps the complete stdout (up to MaxPayloadBytes).
	Accumulate      bool
	MaxPayloadBytes int

	Logger *slog.Logger
}

// DefaultConfig returns the drainer defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:      1000,
		DropThreshold:   0.01,
		MaxLineBytes:    1 << 20,
		MaxPayloadBytes: 1 << 20,
	}
}

// Drainer continuously reads both output streams of one child.
type Drainer struct {
	cfg      Config
	pipeline *Pipeline
	acc      *Accumulator
	logger   *slog.Logger

	stdout *Reader
	stderr *Reader

	readersDone chan struct{}
	sinkDone    chan struct{}
	startOnce   sync.Once
}

// NewDrainer creates a drainer that forwards lines to sink.
func NewDrainer(cfg Config, sink LineSink) *Drainer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Drainer{
		cfg:         cfg,
		pipeline:    NewPipeline(cfg.BufferSize, cfg.DropThreshold),
		logger:      logger,
		readersDone: make(chan struct{}),
		sinkDone:    make(chan struct{}),
	}
	if cfg.Accumulate {
		d.acc = NewAccumulator(cfg.MaxPayloadBytes)
	}
	go func() {
		defer close(d.sinkDone)
		d.pipeline.RunSink(sink)
	}()
	return d
}

// Start begins reading stdout and stderr. Each stream is read by its own
// goroutine until EOF. Start must be called exactly once.
func (d *Drainer) Start(stdout, stderr io.Reader) {
	d.startOnce.Do(func() {
		d.stdout = NewReader(Stdout, stdout, d.pipeline, d.acc, d.cfg.MaxLineBytes)
		d.stderr = NewReader(Stderr, stderr, d.pipeline, nil, d.cfg.MaxLineBytes)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.stdout.Run()
		}()
		go func() {
			defer wg.Done()
			d.stderr.Run()
		}()
		go func() {
			wg.Wait()
			d.pipeline.CloseChannel()
			close(d.readersDone)
		}()
	})
}

// Wait blocks until both streams hit EOF and the sink has caught up, or
// until timeout. A non-positive timeout waits indefinitely.
func (d *Drainer) Wait(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-d.readersDone:
	case <-expired:
		d.logger.Warn("stream_drain_timeout", "timeout", timeout.String())
		return ErrDrainTimeout
	}

	select {
	case <-d.sinkDone:
	case <-expired:
		d.logger.Warn("stream_sink_timeout", "timeout", timeout.String())
		return ErrDrainTimeout
	}

	d.logStats()
	return nil
}

// Payload returns the accumulated stdout, or "" if accumulation is off.
func (d *Drainer) Payload() string {
	if d.acc == nil {
		return ""
	}
	return d.acc.String()
}

// Stats summarizes a drain.
type Stats struct {
	Read      int64
	Dropped   int64
	Forwarded int64
	Overlong  int64
	Bytes     int64
}

// Stats returns the current counters.
func (d *Drainer) Stats() Stats {
	read, dropped, forwarded := d.pipeline.Stats()
	s := Stats{Read: read, Dropped: dropped, Forwarded: forwarded}
	for _, r := range []*Reader{d.stdout, d.stderr} {
		if r == nil {
			continue
		}
		b, _, o := r.Stats()
		s.Bytes += b
		s.Overlong += o
	}
	return s
}

// IsDegraded reports whether too many lines were dropped before reaching the
// sink.
func (d *Drainer) IsDegraded() bool {
	return d.pipeline.IsDegraded()
}

func (d *Drainer) logStats() {
	s := d.Stats()
	if s.Dropped == 0 && s.Overlong == 0 {
		return
	}
	d.logger.Debug("stream_drain_stats",
		"lines_read", s.Read,
		"lines_dropped", s.Dropped,
		"lines_overlong", s.Overlong,
		"bytes", s.Bytes,
		"degraded", d.IsDegraded(),
	)
}
