package shutdown

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSignals replaces signal.Notify with a channel the test controls.
type fakeSignals struct {
	registered chan chan<- os.Signal
	sigs       []os.Signal
	stopped    atomic.Bool
}

func newCoordinator(buf io.Writer) (*Coordinator, *fakeSignals) {
	fs := &fakeSignals{registered: make(chan chan<- os.Signal, 1)}
	c := New(slog.New(slog.NewTextHandler(buf, nil)))
	c.notify = func(ch chan<- os.Signal, sig ...os.Signal) {
		fs.sigs = sig
		fs.registered <- ch
	}
	c.stop = func(chan<- os.Signal) { fs.stopped.Store(true) }
	return c, fs
}

func TestRun_SignalCancelsRoot(t *testing.T) {
	for _, sig := range []os.Signal{os.Interrupt, syscall.SIGTERM} {
		t.Run(sig.String(), func(t *testing.T) {
			var buf bytes.Buffer
			c, fs := newCoordinator(&buf)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- c.Run(ctx, cancel) }()

			ch := <-fs.registered
			ch <- sig

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("coordinator did not return after signal")
			}

			assert.ErrorIs(t, ctx.Err(), context.Canceled)
			assert.True(t, fs.stopped.Load())
			assert.Contains(t, buf.String(), "received signal")
			assert.ElementsMatch(t, []os.Signal{os.Interrupt, syscall.SIGTERM}, fs.sigs)
		})
	}
}

func TestRun_ReturnsWhenContextDone(t *testing.T) {
	var buf bytes.Buffer
	c, fs := newCoordinator(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := false

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func() { cancelled = true }) }()

	<-fs.registered
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not return after context cancellation")
	}

	assert.False(t, cancelled, "no signal means no cancel call")
	assert.True(t, fs.stopped.Load())
	assert.Empty(t, buf.String())
}

func TestRun_RepeatedSignalIsAbsorbedUntilPoolStops(t *testing.T) {
	var buf syncBuffer
	c, fs := newCoordinator(&buf)

	lifetime, endLifetime := context.WithCancel(context.Background())
	defer endLifetime()
	root, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	done := make(chan error, 1)
	go func() { done <- c.Run(lifetime, cancelRoot) }()

	ch := <-fs.registered
	ch <- syscall.SIGTERM
	<-root.Done()

	// Cleanup is still running; a second signal must not end the
	// coordinator or release the handler.
	ch <- syscall.SIGTERM
	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("shutdown already in progress"))
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("coordinator returned while the pool was still stopping")
	default:
	}
	assert.False(t, fs.stopped.Load())

	endLifetime()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not return after the pool stopped")
	}
	assert.True(t, fs.stopped.Load())
}

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.Buffer.Bytes()...)
}
