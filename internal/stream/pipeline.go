// Package stream drains a child process's stdout and stderr.
//
// A child blocks as soon as its pipe buffer fills, which from the outside
// looks exactly like a frozen trial. The drainer therefore reads both streams
// continuously regardless of how fast the log sink consumes lines:
//
//	Layer 1 (Reader): one goroutine per stream, never blocks on the sink
//	Layer 2 (Sink):   forwards queued lines at its own pace
//
// Lines the sink cannot keep up with are dropped and counted. Accumulated
// stdout (the payload of query-only children) bypasses the queue and is never
// dropped.
package stream

import (
	"sync"
	"sync/atomic"
)

// LineSink receives lines read from a child's output.
type LineSink interface {
	HandleLine(stream, line string)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(stream, line string)

// HandleLine calls f.
func (f LineSinkFunc) HandleLine(stream, line string) { f(stream, line) }

// Line is a queued line tagged with its stream name.
type Line struct {
	Stream string
	Text   string
}

// Pipeline is a bounded, lossy queue between the stream readers and a sink.
type Pipeline struct {
	lineChan  chan Line
	closeOnce sync.Once

	linesRead      atomic.Int64
	linesDropped   atomic.Int64
	linesForwarded atomic.Int64

	dropThreshold float64
}

// NewPipeline creates a pipeline. Non-positive arguments select defaults
// (1000 lines, 1% drop threshold).
func NewPipeline(bufferSize int, dropThreshold float64) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	if dropThreshold <= 0 {
		dropThreshold = 0.01
	}
	return &Pipeline{
		lineChan:      make(chan Line, bufferSize),
		dropThreshold: dropThreshold,
	}
}

// FeedLine queues a line. Returns false if it was dropped because the queue
// is full. Never blocks.
func (p *Pipeline) FeedLine(stream, text string) bool {
	p.linesRead.Add(1)

	select {
	case p.lineChan <- Line{Stream: stream, Text: text}:
		return true
	default:
		p.linesDropped.Add(1)
		return false
	}
}

// CloseChannel ends the sink loop once queued lines are consumed.
// Idempotent.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// RunSink forwards queued lines to sink until CloseChannel is called.
// A nil sink discards lines.
func (p *Pipeline) RunSink(sink LineSink) {
	for l := range p.lineChan {
		if sink != nil {
			sink.HandleLine(l.Stream, l.Text)
		}
		p.linesForwarded.Add(1)
	}
}

// Stats returns lines read, dropped, and forwarded to the sink.
func (p *Pipeline) Stats() (read, dropped, forwarded int64) {
	return p.linesRead.Load(), p.linesDropped.Load(), p.linesForwarded.Load()
}

// DropRate returns the fraction of lines dropped (0.0 to 1.0).
func (p *Pipeline) DropRate() float64 {
	read := p.linesRead.Load()
	if read == 0 {
		return 0
	}
	return float64(p.linesDropped.Load()) / float64(read)
}

// IsDegraded reports whether the drop rate exceeds the threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}
