package stream

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-matbench/internal/logging"
)

// recordingSink records every line it receives.
type recordingSink struct {
	mu    sync.Mutex
	lines []Line
	delay time.Duration
}

func (s *recordingSink) HandleLine(stream, line string) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.lines = append(s.lines, Line{Stream: stream, Text: line})
	s.mu.Unlock()
}

func (s *recordingSink) Lines(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = logging.Discard()
	return cfg
}

// =============================================================================
// Pipeline
// =============================================================================

func TestPipeline_DropsUnderPressure(t *testing.T) {
	p := NewPipeline(5, 0.01)
	sink := &recordingSink{delay: 10 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		p.RunSink(sink)
		close(done)
	}()

	for i := 0; i < 100; i++ {
		p.FeedLine(Stdout, "line")
	}
	p.CloseChannel()
	<-done

	read, dropped, forwarded := p.Stats()
	assert.Equal(t, int64(100), read)
	assert.Positive(t, dropped, "slow sink with a small buffer must drop")
	assert.Equal(t, read, dropped+forwarded)
	assert.True(t, p.IsDegraded())
}

func TestPipeline_NoDropsWhenFast(t *testing.T) {
	p := NewPipeline(1000, 0.01)

	for i := 0; i < 100; i++ {
		require.True(t, p.FeedLine(Stderr, "line"))
	}
	p.CloseChannel()
	p.RunSink(nil)

	read, dropped, forwarded := p.Stats()
	assert.Equal(t, int64(100), read)
	assert.Zero(t, dropped)
	assert.Equal(t, int64(100), forwarded)
	assert.Zero(t, p.DropRate())
	assert.False(t, p.IsDegraded())
}

func TestPipeline_CloseChannelIdempotent(t *testing.T) {
	p := NewPipeline(0, 0)
	p.CloseChannel()
	assert.NotPanics(t, p.CloseChannel)
}

func TestLineSinkFunc(t *testing.T) {
	var got string
	LineSinkFunc(func(stream, line string) { got = stream + ":" + line }).HandleLine(Stdout, "x")
	assert.Equal(t, "stdout:x", got)
}

// =============================================================================
// Reader
// =============================================================================

func TestReader_Lines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "one\n", []string{"one"}},
		{"unterminated", "one\ntwo", []string{"one", "two"}},
		{"crlf", "one\r\ntwo\r\n", []string{"one", "two"}},
		{"blank_lines", "\n\nx\n", []string{"", "", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(100, 0)
			r := NewReader(Stdout, strings.NewReader(tt.input), p, nil, 0)
			r.Run()
			p.CloseChannel()

			sink := &recordingSink{}
			p.RunSink(sink)
			assert.Equal(t, tt.want, sink.Lines(Stdout))
			assert.NoError(t, r.Err())
		})
	}
}

func TestReader_OverlongLineSkipped(t *testing.T) {
	input := "before\n" + strings.Repeat("x", 300) + "\nafter\n" + strings.Repeat("y", 300)

	p := NewPipeline(100, 0)
	acc := NewAccumulator(0)
	r := NewReader(Stdout, strings.NewReader(input), p, acc, 100)
	r.Run()
	p.CloseChannel()

	sink := &recordingSink{}
	p.RunSink(sink)

	assert.Equal(t, []string{"before", "after"}, sink.Lines(Stdout))
	assert.Equal(t, "before\nafter\n", acc.String())

	_, lines, overlong := r.Stats()
	assert.Equal(t, int64(2), lines)
	assert.Equal(t, int64(2), overlong)
}

func TestReader_LineExactlyAtLimit(t *testing.T) {
	line := strings.Repeat("z", 100)

	p := NewPipeline(10, 0)
	r := NewReader(Stdout, strings.NewReader(line+"\n"), p, nil, 100)
	r.Run()
	p.CloseChannel()

	sink := &recordingSink{}
	p.RunSink(sink)
	assert.Equal(t, []string{line}, sink.Lines(Stdout))
}

func TestAccumulator_Truncates(t *testing.T) {
	acc := NewAccumulator(10)
	acc.AppendLine("12345")
	acc.AppendLine("67890")
	acc.AppendLine("more")

	assert.Equal(t, "12345\n6789", acc.String())
	assert.True(t, acc.Truncated())
}

// =============================================================================
// Drainer
// =============================================================================

func TestDrainer_BothStreams(t *testing.T) {
	sink := &recordingSink{}
	d := NewDrainer(testConfig(), sink)
	d.Start(strings.NewReader("out1\nout2\n"), strings.NewReader("err1\n"))

	require.NoError(t, d.Wait(time.Second))
	assert.Equal(t, []string{"out1", "out2"}, sink.Lines(Stdout))
	assert.Equal(t, []string{"err1"}, sink.Lines(Stderr))
	assert.Empty(t, d.Payload(), "accumulation disabled")

	s := d.Stats()
	assert.Equal(t, int64(3), s.Read)
	assert.Equal(t, int64(3), s.Forwarded)
	assert.Zero(t, s.Dropped)
}

func TestDrainer_AccumulatesStdoutLosslessly(t *testing.T) {
	cfg := testConfig()
	cfg.Accumulate = true
	cfg.BufferSize = 1

	var want strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&want, "line %d\n", i)
	}

	// A slow sink drops lines; the payload must still be complete
	d := NewDrainer(cfg, &recordingSink{delay: time.Millisecond})
	d.Start(strings.NewReader(want.String()), strings.NewReader("noise\n"))

	require.NoError(t, d.Wait(10*time.Second))
	assert.Equal(t, want.String(), d.Payload())
	assert.Positive(t, d.Stats().Dropped)
}

func TestDrainer_WaitTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	d := NewDrainer(testConfig(), nil)
	d.Start(r, strings.NewReader(""))

	start := time.Now()
	err := d.Wait(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// Closing the writer lets the drain finish
	w.Close()
	assert.NoError(t, d.Wait(time.Second))
}

func TestDrainer_ClosedReadEndEndsDrain(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	d := NewDrainer(testConfig(), nil)
	d.Start(r, strings.NewReader(""))

	require.ErrorIs(t, d.Wait(20*time.Millisecond), ErrDrainTimeout)
	require.NoError(t, r.Close())
	assert.NoError(t, d.Wait(time.Second))
	assert.NoError(t, d.stdout.Err())
}

// TestDrainer_PipeFlood is the pipe-deadlock regression: the child writes far
// more than a pipe buffer holds on both streams and must still exit promptly.
func TestDrainer_PipeFlood(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)
	defer stdoutR.Close()
	defer stderrR.Close()

	// ~2MB per stream, far above the 64KiB default pipe capacity
	script := `for i in $(seq 1 20000); do
		echo "stdout line $i padding padding padding padding padding padding padding padding"
		echo "stderr line $i padding padding padding padding padding padding padding padding" >&2
	done`
	cmd := exec.Command("bash", "-c", script)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	require.NoError(t, cmd.Start())
	stdoutW.Close()
	stderrW.Close()

	d := NewDrainer(testConfig(), &recordingSink{delay: 10 * time.Microsecond})
	d.Start(stdoutR, stderrR)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		cmd.Process.Kill()
		t.Fatal("child blocked on a full pipe")
	}

	require.NoError(t, d.Wait(10*time.Second))
	s := d.Stats()
	assert.Equal(t, int64(40000), s.Read)
	assert.Positive(t, s.Bytes)
}
