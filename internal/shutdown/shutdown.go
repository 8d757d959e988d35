// Package shutdown turns termination signals into cancellation of the pool's
// root context.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Coordinator waits for SIGINT or SIGTERM and cancels the root context.
type Coordinator struct {
	logger *slog.Logger

	// notify and stop default to signal.Notify and signal.Stop.
	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
}

// New returns a Coordinator listening for SIGINT and SIGTERM.
func New(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger,
		notify: signal.Notify,
		stop:   signal.Stop,
	}
}

// Run handles signals until ctx is done.  The first SIGINT or SIGTERM is
// logged and calls cancel.  Later ones are absorbed, so a repeated signal
// cannot kill the process while VMs are still being deleted.  ctx must
// outlive the slots; the signal registration is only released when it
// ends.  Run always returns nil.
func (c *Coordinator) Run(ctx context.Context, cancel context.CancelFunc) error {
	sigs := make(chan os.Signal, 1)
	c.notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer c.stop(sigs)

	cancelled := false
	for {
		select {
		case sig := <-sigs:
			if cancelled {
				c.logger.Warn("shutdown already in progress, waiting for cleanup",
					slog.String("signal", sig.String()))
				continue
			}
			c.logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancelled = true
			cancel()
		case <-ctx.Done():
			return nil
		}
	}
}
