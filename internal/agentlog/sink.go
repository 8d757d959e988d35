// Package agentlog multiplexes the output of concurrently running runner
// agents onto a single writer.  Every line is prefixed with the instance
// that produced it, and lines from different instances interleave only at
// line boundaries.
package agentlog

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

// Sink is an append-only writer shared by every lifecycle and by the
// process logger.  Each call to Write reaches the underlying writer in one
// piece.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Write implements io.Writer so the sink can back a slog handler.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Line writes "<prefix>: <line>\n".  Trailing CR/LF in line are dropped and
// invalid UTF-8 is replaced.
func (s *Sink) Line(prefix, line string) error {
	line = strings.TrimRight(line, "\r\n")
	line = strings.ToValidUTF8(line, "�")

	var b strings.Builder
	b.Grow(len(prefix) + len(line) + 3)
	b.WriteString(prefix)
	b.WriteString(": ")
	b.WriteString(line)
	b.WriteByte('\n')

	_, err := s.Write([]byte(b.String()))
	return err
}

// MaxLineBytes bounds a single forwarded line.  Longer lines are split
// into several prefixed lines of at most this size.
const MaxLineBytes = 64 * 1024

// Forward copies r to the sink line by line until r is exhausted.  A final
// line without a newline is still emitted.  io.EOF and a closed pipe are
// treated as the normal end of the stream.
func (s *Sink) Forward(r io.Reader, prefix string) (lines int, err error) {
	return s.forward(r, prefix, MaxLineBytes)
}

func (s *Sink) forward(r io.Reader, prefix string, maxLine int) (lines int, err error) {
	br := bufio.NewReaderSize(r, maxLine)
	for {
		chunk, rerr := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if werr := s.Line(prefix, string(chunk)); werr != nil {
				return lines, werr
			}
			lines++
		}
		switch {
		case rerr == nil, errors.Is(rerr, bufio.ErrBufferFull):
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrClosedPipe):
			return lines, nil
		default:
			return lines, rerr
		}
	}
}
