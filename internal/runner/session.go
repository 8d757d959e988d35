package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alvicsam/cidermill/internal/credentials"
	"github.com/alvicsam/cidermill/internal/remote"
)

// session gets the agent onto the VM and streams its output until it
// exits.  Any agent exit code ends the session normally.
func (l *Launcher) session(ctx context.Context, lc *lifecycle) (exitCode, lines int, err error) {
	ctx, span := l.tracer.Start(ctx, "runner.session")
	defer span.End()

	exitCode = -1

	addr, err := l.resolveAddress(ctx, lc)
	if err != nil {
		span.RecordError(err)
		return exitCode, 0, err
	}
	span.SetAttributes(attribute.String("vm.address", addr))
	lc.tracker.enter(Bootstrapping)

	target := remote.Target{Instance: lc.name, Address: addr, User: l.cfg.User}

	if err := l.cfg.Executor.Copy(ctx, target, l.cfg.RemoteDir, l.cfg.BootstrapFiles); err != nil {
		span.RecordError(err)
		return exitCode, 0, fmt.Errorf("%w: copying payload to %s: %w", ErrBootstrap, lc.name, err)
	}
	lc.logger.Info("bootstrap payload copied", slog.Int("files", len(l.cfg.BootstrapFiles)))

	tok, err := l.cfg.Tokens.RegistrationToken(ctx)
	if err != nil {
		span.RecordError(err)
		lc.logger.Warn("registration token request failed",
			slog.String("error", err.Error()),
			slog.Int("status", credentials.HTTPStatus(err)),
		)
		return exitCode, 0, fmt.Errorf("%w: %w", ErrCredentialFetch, err)
	}

	cmd := remote.Command{
		Dir: l.cfg.RemoteDir,
		Args: []string{
			"./" + filepath.Base(l.cfg.Launcher),
			tok.Value,
			lc.name,
			l.cfg.OrgURL,
			strings.Join(l.cfg.Labels, ","),
		},
	}

	lc.logger.Info("launching runner agent")
	proc, err := l.cfg.Executor.Execute(ctx, target, cmd)
	if err != nil {
		span.RecordError(err)
		return exitCode, 0, fmt.Errorf("%w: launching agent on %s: %w", ErrBootstrap, lc.name, err)
	}
	lc.tracker.enter(Running)

	lines, ferr := l.cfg.Sink.Forward(proc.Output(), lc.name)
	if ferr != nil {
		lc.logger.Warn("forwarding agent output", slog.String("error", ferr.Error()))
		// The process cannot finish while its output is unread.
		_, _ = io.Copy(io.Discard, proc.Output())
	}

	werr := proc.Wait()
	var exitErr *remote.ExitError
	switch {
	case werr == nil:
		exitCode = 0
	case errors.As(werr, &exitErr):
		exitCode = exitErr.Code
	case ctx.Err() != nil:
		return exitCode, lines, ctx.Err()
	default:
		lc.logger.Warn("lost agent process", slog.String("error", werr.Error()))
	}

	span.SetAttributes(attribute.Int("agent.exit_code", exitCode), attribute.Int("agent.lines", lines))
	lc.logger.Info("runner agent exited",
		slog.Int("exit_code", exitCode),
		slog.Int("lines", lines),
	)
	return exitCode, lines, nil
}

// resolveAddress asks the engine for the VM's address a bounded number of
// times.
func (l *Launcher) resolveAddress(ctx context.Context, lc *lifecycle) (string, error) {
	attempt := 0
	op := func() (string, error) {
		attempt++
		addr, err := l.cfg.Engine.ResolveAddress(ctx, lc.name, l.cfg.AddressWait)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		return addr, nil
	}

	notify := func(err error, next time.Duration) {
		lc.logger.Debug("vm address not ready",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", next),
			slog.String("error", err.Error()),
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.AddressInterval), uint64(l.cfg.AddressAttempts-1)),
		ctx,
	)
	addr, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrAddressResolution, lc.name, attempt, err)
	}

	lc.logger.Info("vm address resolved", slog.String("address", addr), slog.Int("attempt", attempt))
	return addr, nil
}
