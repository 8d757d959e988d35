package agentlog

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinePrefixesAndTerminates(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	require.NoError(t, s.Line("runner-abc", "Listening for Jobs\r\n"))
	assert.Equal(t, "runner-abc: Listening for Jobs\n", buf.String())
}

func TestLineReplacesInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	require.NoError(t, s.Line("r", "ok \xff done"))
	assert.Equal(t, "r: ok � done\n", buf.String())
}

func TestForwardSplitsChunksIntoLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	pr, pw := io.Pipe()
	go func() {
		// Chunk boundaries deliberately fall mid-line.
		for _, chunk := range []string{"√ Connected to Gi", "tHub\nCurrent runner ver", "sion: '2.321.0'\n", "tail"} {
			_, _ = pw.Write([]byte(chunk))
		}
		pw.Close()
	}()

	n, err := s.Forward(pr, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t,
		"runner-1: √ Connected to GitHub\n"+
			"runner-1: Current runner version: '2.321.0'\n"+
			"runner-1: tail\n",
		buf.String())
}

func TestForwardClosedPipeIsNormalEnd(t *testing.T) {
	s := NewSink(io.Discard)
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("one\n"))
		pw.CloseWithError(io.ErrClosedPipe)
	}()

	n, err := s.Forward(pr, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestForwardConcurrentInstancesNeverInterleaveWithinALine(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	const instances = 8
	const perInstance = 200

	var wg sync.WaitGroup
	for i := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var src strings.Builder
			for j := range perInstance {
				fmt.Fprintf(&src, "instance %d line %d %s\n", i, j, strings.Repeat("x", 64))
			}
			_, err := s.Forward(iotest.OneByteReader(strings.NewReader(src.String())), fmt.Sprintf("runner-%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, instances*perInstance)
	for _, l := range lines {
		var prefixID, bodyID, lineNo int
		var pad string
		_, err := fmt.Sscanf(l, "runner-%d: instance %d line %d %s", &prefixID, &bodyID, &lineNo, &pad)
		require.NoError(t, err, "malformed line %q", l)
		assert.Equal(t, prefixID, bodyID, "line carries the wrong prefix: %q", l)
		assert.Len(t, pad, 64)
	}
}

func TestForwardSplitsOverlongLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	in := strings.Repeat("x", 40) + "\nshort\n"
	n, err := s.forward(strings.NewReader(in), "r", 16)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t,
		"r: "+strings.Repeat("x", 16)+"\n"+
			"r: "+strings.Repeat("x", 16)+"\n"+
			"r: "+strings.Repeat("x", 8)+"\n"+
			"r: short\n",
		buf.String())
}
