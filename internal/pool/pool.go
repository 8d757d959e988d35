// Package pool keeps a fixed number of runner lifecycles alive.
//
// Each slot runs lifecycles back to back.  A failed lifecycle puts the slot
// into exponential backoff; a successful one resets it.  Slots never return
// errors to the group, so one slot's failures cannot stop the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/alvicsam/cidermill/internal/runner"
)

// ErrLifecyclePanic wraps a panic recovered from a lifecycle.
var ErrLifecyclePanic = errors.New("runner lifecycle panicked")

// Launcher runs one lifecycle.  *runner.Launcher satisfies it.
type Launcher interface {
	Launch(ctx context.Context) runner.Result
}

// Coordinator cancels the pool on shutdown.  *shutdown.Coordinator
// satisfies it.  Run receives a context that stays live until every slot
// has exited, so it keeps handling signals during cleanup.
type Coordinator interface {
	Run(ctx context.Context, cancel context.CancelFunc) error
}

// Config holds the parameters of a Pool.
type Config struct {
	// Size is the number of slots.
	Size int

	Launcher    Launcher
	Coordinator Coordinator
	Logger      *slog.Logger

	// BackoffUnit scales the 2, 4, 8, ... retry delays.  Default: 1s
	BackoffUnit time.Duration

	// MaxBackoff caps a single delay.  Zero leaves it uncapped.
	MaxBackoff time.Duration
}

// Pool supervises Size slots.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	active atomic.Int64

	// OpenTelemetry instrumentation
	meter              metric.Meter
	lifecyclesStarted  metric.Int64Counter
	lifecyclesComplete metric.Int64Counter
	lifecycleDuration  metric.Float64Histogram
	backoffDelay       metric.Float64Histogram
}

// New creates a Pool.
func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		sleep:  sleepCtx,
		meter:  otel.Meter("cidermill/pool"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	p.lifecyclesStarted, err = p.meter.Int64Counter(
		"cidermill.lifecycles.started",
		metric.WithDescription("Total number of runner lifecycles started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create lifecyclesStarted counter", slog.String("error", err.Error()))
	}

	p.lifecyclesComplete, err = p.meter.Int64Counter(
		"cidermill.lifecycles.completed",
		metric.WithDescription("Total number of runner lifecycles completed, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create lifecyclesCompleted counter", slog.String("error", err.Error()))
	}

	p.lifecycleDuration, err = p.meter.Float64Histogram(
		"cidermill.lifecycle.duration",
		metric.WithDescription("Wall time of a runner lifecycle (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 900, 1800, 3600, 7200),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create lifecycleDuration histogram", slog.String("error", err.Error()))
	}

	p.backoffDelay, err = p.meter.Float64Histogram(
		"cidermill.backoff.delay",
		metric.WithDescription("Delay before retrying a failed lifecycle (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(2, 4, 8, 16, 32, 64, 128, 256, 512),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create backoffDelay histogram", slog.String("error", err.Error()))
	}

	_, err = p.meter.Int64ObservableGauge(
		"cidermill.slots.active",
		metric.WithDescription("Current number of slots running a lifecycle"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.active.Load())
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}

	return p
}

// Run starts the slots and the coordinator and blocks until ctx is
// cancelled (by the caller or the coordinator) and every slot has exited,
// including its in-flight cleanup.  The coordinator is stopped last.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.logger.Info("starting pool", slog.Int("size", p.cfg.Size))

	lifetime, endLifetime := context.WithCancel(context.WithoutCancel(ctx))
	coordDone := make(chan struct{})
	if p.cfg.Coordinator != nil {
		go func() {
			defer close(coordDone)
			if err := p.cfg.Coordinator.Run(lifetime, cancel); err != nil {
				p.logger.Warn("shutdown coordinator", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(coordDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Size {
		g.Go(func() error {
			p.slot(gctx, i)
			return nil
		})
	}

	err := g.Wait()
	endLifetime()
	<-coordDone

	p.logger.Info("pool stopped")
	return err
}

// Active reports how many slots are inside a lifecycle.
func (p *Pool) Active() int { return int(p.active.Load()) }

// slot runs lifecycles until ctx is cancelled.
func (p *Pool) slot(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("slot", id))
	b := p.newBackOff()
	failures := 0

	for ctx.Err() == nil {
		res := p.launch(ctx, logger)
		p.record(ctx, res)

		if ctx.Err() != nil || res.Cancelled {
			logger.Info("slot stopped", slog.String("instance", res.Instance))
			return
		}

		if !res.Failed() {
			if failures > 0 {
				logger.Info("slot recovered", slog.Int("failures", failures))
			}
			failures = 0
			b.Reset()
			continue
		}

		failures++
		delay := b.NextBackOff()
		if p.backoffDelay != nil {
			p.backoffDelay.Record(ctx, delay.Seconds())
		}
		logger.Error("runner lifecycle failed",
			slog.String("instance", res.Instance),
			slog.String("error", res.Err.Error()),
			slog.Int("failures", failures),
			slog.Duration("retry_in", delay),
		)

		if err := p.sleep(ctx, delay); err != nil {
			logger.Info("slot stopped during backoff")
			return
		}
	}
}

// launch runs one lifecycle, converting a panic into a failed Result.
func (p *Pool) launch(ctx context.Context, logger *slog.Logger) (res runner.Result) {
	p.active.Add(1)
	defer p.active.Add(-1)

	if p.lifecyclesStarted != nil {
		p.lifecyclesStarted.Add(ctx, 1)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic in runner lifecycle",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = runner.Result{ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrLifecyclePanic, r)}
		}
	}()

	res = p.cfg.Launcher.Launch(ctx)
	if !res.Failed() && !res.Cancelled {
		logger.Info("runner lifecycle completed",
			slog.String("instance", res.Instance),
			slog.Int("exit_code", res.ExitCode),
			slog.Int("lines", res.Lines),
			slog.Duration("duration", res.Duration),
		)
	}
	return res
}

func (p *Pool) record(ctx context.Context, res runner.Result) {
	result := "success"
	switch {
	case res.Cancelled:
		result = "cancelled"
	case res.Failed():
		result = "failure"
	}

	// Instruments are recorded after the lifecycle; ctx may already be
	// cancelled.
	ctx = context.WithoutCancel(ctx)
	if p.lifecyclesComplete != nil {
		p.lifecyclesComplete.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if p.lifecycleDuration != nil && res.Duration > 0 {
		p.lifecycleDuration.Record(ctx, res.Duration.Seconds())
	}
}

// newBackOff returns 2, 4, 8, ... units with no jitter and no overall
// deadline.
func (p *Pool) newBackOff() *backoff.ExponentialBackOff {
	maxInterval := time.Duration(math.MaxInt64)
	if p.cfg.MaxBackoff > 0 {
		maxInterval = p.cfg.MaxBackoff
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     2 * p.cfg.BackoffUnit,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
