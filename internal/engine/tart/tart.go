// Package tart implements the engine.Engine interface by driving the tart
// CLI (https://tart.run) to run macOS and Linux VMs on Apple silicon.
package tart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alvicsam/cidermill/internal/engine"
)

// stopGrace is how long a cancelled `tart run` gets to shut the guest down
// after SIGINT before it is killed.
const stopGrace = 10 * time.Second

// Config holds tart-specific settings.
type Config struct {
	// Binary is the tart executable.  A bare name is looked up on the
	// PATH carried by Env, not on the process PATH.  Default: tart
	Binary string

	// Env is the complete environment for every tart invocation.  See
	// ResolveEnv.
	Env []string

	// NoGraphics passes --no-graphics to `tart run`.
	NoGraphics bool
}

// Engine manages runner VMs with the tart CLI.
type Engine struct {
	binary     string
	env        []string
	noGraphics bool
	logger     *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New returns a tart engine.  It does not touch the hypervisor; call
// Check for that.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "tart"
	}
	return &Engine{
		binary:     lookPath(cfg.Binary, cfg.Env),
		env:        cfg.Env,
		noGraphics: cfg.NoGraphics,
		logger:     logger,
	}
}

// ResolveEnv builds the environment for tart invocations from base.  When
// pathFile exists its trimmed contents replace PATH; this lets a service
// started outside a login shell find tart and its helpers.  A missing file
// leaves base unchanged.
func ResolveEnv(pathFile string, base []string) ([]string, error) {
	env := append([]string(nil), base...)
	if pathFile == "" {
		return env, nil
	}

	data, err := os.ReadFile(pathFile)
	if errors.Is(err, os.ErrNotExist) {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading path file %s: %w", pathFile, err)
	}

	path := strings.TrimSpace(string(data))
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + path
			return env, nil
		}
	}
	return append(env, "PATH="+path), nil
}

// Check runs `tart --version`.
func (e *Engine) Check(ctx context.Context) error {
	out, err := e.run(ctx, "--version")
	if err != nil {
		return fmt.Errorf("tart not usable (is it on the PATH given by the path file?): %w", err)
	}
	e.logger.Info("tart available",
		slog.String("binary", e.binary),
		slog.String("version", strings.TrimSpace(out)),
	)
	return nil
}

// Clone runs `tart clone <image> <name>`.
func (e *Engine) Clone(ctx context.Context, image, name string) error {
	if _, err := e.run(ctx, "clone", image, name); err != nil {
		return err
	}
	e.logger.Info("vm cloned", slog.String("name", name), slog.String("image", image))
	return nil
}

// Configure runs `tart set <name> --cpu <n> --memory <mb>`.
func (e *Engine) Configure(ctx context.Context, name string, cpus, memoryMB int) error {
	_, err := e.run(ctx, "set", name,
		"--cpu", strconv.Itoa(cpus),
		"--memory", strconv.Itoa(memoryMB),
	)
	return err
}

// Run runs `tart run <name>` until the VM stops.  On cancellation tart is
// sent SIGINT so it can stop the guest, and killed after stopGrace.
func (e *Engine) Run(ctx context.Context, name string) error {
	args := []string{"run", name}
	if e.noGraphics {
		args = append(args, "--no-graphics")
	}

	cmd := e.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace

	e.logger.Info("vm starting", slog.String("name", name))
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("tart run %s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	e.logger.Info("vm stopped", slog.String("name", name))
	return nil
}

// ResolveAddress runs `tart ip <name> --wait <seconds>`.
func (e *Engine) ResolveAddress(ctx context.Context, name string, wait time.Duration) (string, error) {
	secs := int(wait.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	out, err := e.run(ctx, "ip", name, "--wait", strconv.Itoa(secs))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "" {
		return "", fmt.Errorf("tart ip %s: empty address", name)
	}
	return ip, nil
}

// Delete runs `tart delete <name>`.  A VM that no longer exists counts as
// deleted.
func (e *Engine) Delete(ctx context.Context, name string) error {
	_, err := e.run(ctx, "delete", name)
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		e.logger.Debug("vm already gone", slog.String("name", name))
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Info("vm deleted", slog.String("name", name))
	return nil
}

// Close is a no-op; the CLI holds no long-lived resources.
func (e *Engine) Close() error { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = e.env
	return cmd
}

// run executes tart and returns stdout.  stderr is folded into the error.
func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	cmd := e.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tart %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// lookPath resolves a bare binary name against the PATH in env.  exec.Command
// would otherwise consult the process PATH.
func lookPath(binary string, env []string) string {
	if strings.ContainsRune(binary, filepath.Separator) {
		return binary
	}
	var path string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, binary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return binary
}
