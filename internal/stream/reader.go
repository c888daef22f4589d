package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Accumulator collects a stream's full content up to a byte limit.
type Accumulator struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

// NewAccumulator creates an accumulator holding at most limit bytes.
func NewAccumulator(limit int) *Accumulator {
	if limit <= 0 {
		limit = 1 << 20
	}
	return &Accumulator{limit: limit}
}

// AppendLine adds line plus a newline, truncating at the limit.
func (a *Accumulator) AppendLine(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.truncated {
		return
	}
	room := a.limit - a.buf.Len()
	if len(line)+1 > room {
		if room > 0 {
			a.buf.WriteString(line[:min(len(line), room)])
		}
		a.truncated = true
		return
	}
	a.buf.WriteString(line)
	a.buf.WriteByte('\n')
}

// String returns the accumulated content.
func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Truncated reports whether content was cut off at the limit.
func (a *Accumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}

// Reader reads lines from one output stream into a Pipeline.
type Reader struct {
	name     string
	reader   io.Reader
	pipeline *Pipeline
	acc      *Accumulator
	maxLine  int

	bytesRead atomic.Int64
	linesRead atomic.Int64
	overlong  atomic.Int64
	readErr   atomic.Value
}

// NewReader creates a reader for the stream called name. acc may be nil.
func NewReader(name string, r io.Reader, pipeline *Pipeline, acc *Accumulator, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = 1 << 20
	}
	return &Reader{
		name:     name,
		reader:   r,
		pipeline: pipeline,
		acc:      acc,
		maxLine:  maxLine,
	}
}

// Run reads until EOF or a read error. Lines longer than the limit are
// counted and discarded; reading continues with the next line.
func (r *Reader) Run() {
	br := bufio.NewReaderSize(r.reader, min(r.maxLine, 64*1024))

	var (
		line    []byte
		discard bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		r.bytesRead.Add(int64(len(chunk)))

		switch {
		case err == nil:
			if !discard {
				line = append(line, chunk...)
				if len(line)-1 > r.maxLine {
					discard = true
				}
			}
			r.emit(line, discard)
			line, discard = line[:0], false
			continue

		case errors.Is(err, bufio.ErrBufferFull):
			if !discard {
				line = append(line, chunk...)
				if len(line) > r.maxLine {
					discard = true
					line = line[:0]
				}
			}
			continue
		}

		// EOF or read error: flush a final unterminated line
		if len(chunk) > 0 || len(line) > 0 {
			if !discard {
				line = append(line, chunk...)
				if len(line) > r.maxLine {
					discard = true
				}
			}
			r.emit(line, discard)
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			r.readErr.Store(err)
		}
		return
	}
}

func (r *Reader) emit(raw []byte, discard bool) {
	if discard {
		r.overlong.Add(1)
		return
	}
	raw = bytes.TrimSuffix(raw, []byte{'\n'})
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	text := string(raw)

	r.linesRead.Add(1)
	if r.acc != nil {
		r.acc.AppendLine(text)
	}
	r.pipeline.FeedLine(r.name, text)
}

// Stats returns bytes read, complete lines read, and overlong lines skipped.
func (r *Reader) Stats() (bytesRead, linesRead, overlong int64) {
	return r.bytesRead.Load(), r.linesRead.Load(), r.overlong.Load()
}

// Err returns the read error that ended Run, if it was not EOF.
func (r *Reader) Err() error {
	if err, ok := r.readErr.Load().(error); ok {
		return err
	}
	return nil
}
