// Package docker implements the engine.Engine interface using the Docker
// daemon, treating each runner "VM" as a long-lived container.  It also
// provides a remote.Executor that reaches the container through docker exec
// instead of SSH.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvicsam/cidermill/internal/engine"
)

// stopTimeout is the grace period, in seconds, given to a container when a
// running lifecycle is cancelled.
const stopTimeout = 10

// Config holds Docker-specific settings.
type Config struct {
	// Image is pulled once at startup so container creation never waits
	// on the registry.  Optional.
	Image string

	// Command is the container's main process.  The runner agent is
	// started separately through exec, so this only has to keep the
	// container alive.  Default: sleep infinity
	Command []string

	// Network is the Docker network to attach containers to.  Empty
	// means the daemon default (bridge).
	Network string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container.  This
	// allows workflows to run Docker commands (docker build, docker
	// compose, container actions, etc.).
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool
}

// Engine manages runner containers.
type Engine struct {
	client  *dockerclient.Client
	command []string
	network string
	dind    bool
	logger  *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New connects to the daemon and, when cfg.Image is set, pulls it so it is
// available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"sleep", "infinity"}
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	e := newEngine(client, cfg, logger)
	if cfg.Image != "" {
		if err := e.pull(ctx, cfg.Image); err != nil {
			client.Close()
			return nil, err
		}
	}
	return e, nil
}

func newEngine(client *dockerclient.Client, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client:  client,
		command: cfg.Command,
		network: cfg.Network,
		dind:    cfg.Dind,
		logger:  logger,
		tracer:  otel.Tracer("cidermill/engine/docker"),
	}
}

func (e *Engine) pull(ctx context.Context, ref string) error {
	e.logger.Info("pulling runner image", slog.String("image", ref))

	pull, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	e.logger.Info("runner image ready", slog.String("image", ref))
	return nil
}

// Check pings the daemon.
func (e *Engine) Check(ctx context.Context) error {
	ping, err := e.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	e.logger.Info("docker available", slog.String("api_version", ping.APIVersion))
	return nil
}

// Clone creates (but does not start) a container called name from image.
func (e *Engine) Clone(ctx context.Context, img, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Clone")
	defer span.End()
	span.SetAttributes(attribute.String("vm.name", name), attribute.String("vm.image", img))

	var env []string
	hostCfg := &container.HostConfig{}
	if e.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(e.network)
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does.  Running as root works on both.
	if e.dind {
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
		e.logger.Info("dind enabled: mounting docker socket",
			slog.String("name", name),
		)
	}

	cfg := &container.Config{
		Image: img,
		Cmd:   e.command,
		Env:   env,
	}
	if e.dind {
		cfg.User = "root"
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("container create %s: %w", name, err)
	}

	e.logger.Info("container created",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)
	return nil
}

// Configure applies CPU and memory limits.  Swap is pinned to the memory
// limit so the update is accepted regardless of the daemon's swap default.
func (e *Engine) Configure(ctx context.Context, name string, cpus, memoryMB int) error {
	mem := int64(memoryMB) * 1024 * 1024
	_, err := e.client.ContainerUpdate(ctx, name, container.UpdateConfig{
		Resources: container.Resources{
			NanoCPUs:   int64(cpus) * 1e9,
			Memory:     mem,
			MemorySwap: mem,
		},
	})
	if err != nil {
		return fmt.Errorf("container update %s: %w", name, err)
	}
	return nil
}

// Run starts the container and blocks until it is no longer running.  On
// cancellation the container is stopped.
func (e *Engine) Run(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Run")
	defer span.End()
	span.SetAttributes(attribute.String("vm.name", name))

	// Subscribe before starting so a container that exits immediately is
	// not missed.
	waitCh, errCh := e.client.ContainerWait(ctx, name, container.WaitConditionNextExit)

	if err := e.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", name, err)
	}
	e.logger.Info("container started", slog.String("name", name))

	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return fmt.Errorf("container %s: %s", name, resp.Error.Message)
		}
		e.logger.Info("container exited",
			slog.String("name", name),
			slog.Int64("status", resp.StatusCode),
		)
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			e.stop(name)
			return ctx.Err()
		}
		return fmt.Errorf("waiting for container %s: %w", name, err)
	case <-ctx.Done():
		e.stop(name)
		return ctx.Err()
	}
}

func (e *Engine) stop(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), (stopTimeout+5)*time.Second)
	defer cancel()

	timeout := stopTimeout
	if err := e.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		e.logger.Warn("failed to stop container",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

// ResolveAddress returns the container's IP on its first network that has
// one, polling until wait elapses.
func (e *Engine) ResolveAddress(ctx context.Context, name string, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		info, err := e.client.ContainerInspect(ctx, name)
		if err != nil {
			return "", fmt.Errorf("container inspect %s: %w", name, err)
		}
		if info.NetworkSettings != nil {
			for _, ep := range info.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					return ep.IPAddress, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("container %s has no IP address", name)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Delete force-removes the container, permanently destroying the runner.
// A container that is already gone counts as deleted.
func (e *Engine) Delete(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("vm.name", name))

	err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			span.AddEvent("container already removed (idempotent)")
			return nil
		}
		return fmt.Errorf("container remove %s: %w", name, err)
	}

	e.logger.Info("container removed", slog.String("name", name))
	return nil
}

// Close closes the daemon connection.
func (e *Engine) Close() error {
	return e.client.Close()
}
