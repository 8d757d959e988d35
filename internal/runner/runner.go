// Package runner drives one runner lifecycle from start to finish: provision
// a VM, race the VM process against the agent session, and always delete the
// VM afterwards.
//
// The two subtasks run under one cancellable context.  Whichever exits first
// cancels the other and decides the outcome; the sibling's cancellation
// error is discarded.  Deletion runs after both have exited, on a context
// detached from the caller's cancellation and bounded by its own deadline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alvicsam/cidermill/internal/agentlog"
	"github.com/alvicsam/cidermill/internal/credentials"
	"github.com/alvicsam/cidermill/internal/engine"
	"github.com/alvicsam/cidermill/internal/remote"
)

// TokenSource mints registration tokens.  *credentials.Source satisfies it.
type TokenSource interface {
	RegistrationToken(ctx context.Context) (credentials.RegistrationToken, error)
}

// Config holds everything a lifecycle needs.  It is shared read-only by all
// slots.
type Config struct {
	Engine   engine.Engine
	Executor remote.Executor
	Tokens   TokenSource
	Sink     *agentlog.Sink
	Logger   *slog.Logger

	// VM spec.
	Image    string
	CPUs     int
	MemoryMB int

	// NamePrefix is the first part of "<prefix>-<8 hex>" VM names.
	// Default: runner
	NamePrefix string

	// User is the remote login on the guest.
	User string

	// OrgURL is passed to the launcher, e.g. https://github.com/acme.
	OrgURL string

	// Labels are passed to the launcher comma-joined.
	Labels []string

	// BootstrapFiles are copied into RemoteDir before launch.
	BootstrapFiles []string

	// Launcher is the base name of the bootstrap file to execute.
	Launcher string

	// RemoteDir is the launch directory on the guest.  Default: "."
	RemoteDir string

	// Address resolution: up to AddressAttempts calls waiting
	// AddressWait each, AddressInterval apart.  Defaults: 4, 3s, 1s.
	AddressAttempts int
	AddressWait     time.Duration
	AddressInterval time.Duration

	// CleanupTimeout bounds the delete.  Default: 5s.
	CleanupTimeout time.Duration

	// OnState, when set, is called on every state transition.
	OnState func(instance string, s State)
}

// Launcher runs lifecycles.  It is safe for concurrent use.
type Launcher struct {
	cfg     Config
	newName func() string

	// OpenTelemetry instrumentation
	tracer          trace.Tracer
	cleanupTimeouts metric.Int64Counter
}

// New applies defaults and returns a Launcher.
func New(cfg Config) *Launcher {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "runner"
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "."
	}
	if cfg.AddressAttempts <= 0 {
		cfg.AddressAttempts = 4
	}
	if cfg.AddressWait <= 0 {
		cfg.AddressWait = 3 * time.Second
	}
	if cfg.AddressInterval < 0 {
		cfg.AddressInterval = 0
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}

	l := &Launcher{
		cfg:    cfg,
		tracer: otel.Tracer("cidermill/runner"),
	}
	l.newName = func() string {
		return fmt.Sprintf("%s-%s", l.cfg.NamePrefix, uuid.NewString()[:8])
	}

	var err error
	l.cleanupTimeouts, err = otel.Meter("cidermill/runner").Int64Counter(
		"cidermill.cleanup.timeouts",
		metric.WithDescription("VM deletions abandoned at the cleanup deadline"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cleanupTimeouts counter", slog.String("error", err.Error()))
	}
	return l
}

// lifecycle is the per-run state shared by the subtasks.
type lifecycle struct {
	name    string
	logger  *slog.Logger
	tracker *tracker

	once    sync.Once
	outcome error
}

// Launch runs one lifecycle to completion.  It never returns before the VM
// has been deleted or the delete has been abandoned at its deadline.
func (l *Launcher) Launch(ctx context.Context) Result {
	start := time.Now()
	name := l.newName()
	logger := l.cfg.Logger.With(slog.String("instance", name))

	lc := &lifecycle{
		name:    name,
		logger:  logger,
		tracker: &tracker{},
	}
	if l.cfg.OnState != nil {
		lc.tracker.notify = func(s State) { l.cfg.OnState(name, s) }
	}

	ctx, span := l.tracer.Start(ctx, "runner.Lifecycle",
		trace.WithAttributes(
			attribute.String("vm.name", name),
			attribute.String("vm.image", l.cfg.Image),
		),
	)
	defer span.End()

	res := Result{Instance: name, ExitCode: -1}
	lc.tracker.enter(Provisioning)

	cloned, err := l.provision(ctx, lc)
	if err != nil {
		res.Err = err
	} else {
		res.ExitCode, res.Lines = l.race(ctx, lc)
		res.Err = lc.outcome
	}

	if cloned {
		res.CleanupErr = l.cleanup(ctx, lc)
	}
	lc.tracker.enter(Terminated)

	if ctx.Err() != nil {
		res.Cancelled = true
		// Failures caused by the shutdown itself are not failures.
		if res.Err != nil && errors.Is(res.Err, ctx.Err()) {
			res.Err = nil
		}
	}

	res.States = lc.tracker.snapshot()
	res.Duration = time.Since(start)

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

// provision clones and configures the VM.  cloned reports whether a VM
// exists that must be deleted.
func (l *Launcher) provision(ctx context.Context, lc *lifecycle) (cloned bool, err error) {
	ctx, span := l.tracer.Start(ctx, "runner.provision")
	defer span.End()

	lc.logger.Info("provisioning vm",
		slog.String("image", l.cfg.Image),
		slog.Int("cpus", l.cfg.CPUs),
		slog.Int("memory_mb", l.cfg.MemoryMB),
	)

	if err := l.cfg.Engine.Clone(ctx, l.cfg.Image, lc.name); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("%w: clone %s: %w", ErrProvisioning, lc.name, err)
	}
	if err := l.cfg.Engine.Configure(ctx, lc.name, l.cfg.CPUs, l.cfg.MemoryMB); err != nil {
		span.RecordError(err)
		return true, fmt.Errorf("%w: configure %s: %w", ErrProvisioning, lc.name, err)
	}

	lc.tracker.enter(AwaitingNetwork)
	return true, nil
}

// race runs the VM process monitor and the execution session until either
// exits, then waits for the other.
func (l *Launcher) race(ctx context.Context, lc *lifecycle) (exitCode, lines int) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// decide records the first exiter's outcome and cancels the sibling.
	decide := func(err error) {
		lc.once.Do(func() {
			lc.outcome = err
			lc.tracker.enter(Cancelling)
		})
		cancel()
	}

	// Either subtask also ends on external cancellation.
	stop := context.AfterFunc(ctx, func() { lc.tracker.enter(Cancelling) })
	defer stop()

	exitCode = -1
	var g errgroup.Group

	g.Go(func() error {
		decide(l.monitorVM(runCtx, lc))
		return nil
	})

	g.Go(func() error {
		code, n, err := l.session(runCtx, lc)
		exitCode, lines = code, n
		decide(err)
		return nil
	})

	_ = g.Wait()
	return exitCode, lines
}

// monitorVM runs the VM until it stops.  A VM that stops on its own is a
// normal exit, unless it failed before the agent was launched.
func (l *Launcher) monitorVM(ctx context.Context, lc *lifecycle) error {
	err := l.cfg.Engine.Run(ctx, lc.name)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && lc.tracker.current() < Running {
		return fmt.Errorf("%w: vm %s exited before the agent started: %w", ErrProvisioning, lc.name, err)
	}
	if err != nil {
		lc.logger.Warn("vm exited with error", slog.String("error", err.Error()))
	} else {
		lc.logger.Info("vm exited")
	}
	return nil
}

// cleanup deletes the VM on a context that ignores the caller's
// cancellation but carries its own deadline.  If the deadline passes the
// delete is abandoned.
func (l *Launcher) cleanup(parent context.Context, lc *lifecycle) error {
	lc.tracker.enter(Cleanup)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), l.cfg.CleanupTimeout)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, "runner.cleanup")
	defer span.End()

	done := make(chan error, 1)
	go func() { done <- l.cfg.Engine.Delete(ctx, lc.name) }()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			lc.logger.Error("failed to delete vm", slog.String("error", err.Error()))
			return fmt.Errorf("delete %s: %w", lc.name, err)
		}
		lc.logger.Info("vm deleted")
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("%w: delete %s abandoned after %s", ErrCleanupTimeout, lc.name, l.cfg.CleanupTimeout)
		span.RecordError(err)
		if l.cleanupTimeouts != nil {
			l.cleanupTimeouts.Add(ctx, 1)
		}
		lc.logger.Warn("vm delete abandoned", slog.String("error", err.Error()))
		return err
	}
}
