//go:build integration

package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alvicsam/cidermill/internal/remote"
)

// DockerEngineSuite tests the Docker engine against a real Docker daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerEngineSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerEngineSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	// Verify Docker is available
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	ctx := context.Background()
	_, err = cli.Ping(ctx)
	require.NoError(s.T(), err, "Docker daemon must be reachable")

	// Pull test image
	pull, err := cli.ImagePull(ctx, s.testImage, image.PullOptions{})
	require.NoError(s.T(), err)
	_, _ = io.ReadAll(pull)
	pull.Close()
}

func (s *DockerEngineSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerEngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerEngineSuite) TearDownTest() {
	s.cancel()
}

func TestDockerEngineSuite(t *testing.T) {
	suite.Run(t, new(DockerEngineSuite))
}

func (s *DockerEngineSuite) newTestEngine() *Engine {
	return newEngine(s.docker, Config{Command: []string{"sleep", "300"}}, s.logger)
}

func (s *DockerEngineSuite) name() string {
	return "cidermill-test-" + uuid.NewString()[:8]
}

// containerExists checks if a container with the given name exists.
func (s *DockerEngineSuite) containerExists(name string) bool {
	_, err := s.docker.ContainerInspect(s.ctx, name)
	return err == nil
}

// runInBackground starts Run and returns a channel with its result.
func (s *DockerEngineSuite) runInBackground(ctx context.Context, e *Engine, name string) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, name) }()
	return errCh
}

// ---------------------------------------------------------------------------
// Engine constructor
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestNew_PullsImage() {
	e, err := New(s.ctx, Config{Image: s.testImage}, s.logger)
	require.NoError(s.T(), err)
	defer e.Close()
	assert.NoError(s.T(), e.Check(s.ctx))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestFullLifecycle() {
	e := s.newTestEngine()
	name := s.name()

	require.NoError(s.T(), e.Clone(s.ctx, s.testImage, name))
	defer e.Delete(context.Background(), name)
	require.NoError(s.T(), e.Configure(s.ctx, name, 1, 256))

	runCtx, stop := context.WithCancel(s.ctx)
	errCh := s.runInBackground(runCtx, e, name)

	ip, err := e.ResolveAddress(s.ctx, name, 10*time.Second)
	require.NoError(s.T(), err)
	assert.NotEmpty(s.T(), ip)

	info, err := s.docker.ContainerInspect(s.ctx, name)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1e9), info.HostConfig.NanoCPUs)
	assert.Equal(s.T(), int64(256*1024*1024), info.HostConfig.Memory)

	stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(s.T(), err, context.Canceled)
	case <-time.After(30 * time.Second):
		s.T().Fatal("Run did not return after cancellation")
	}

	require.NoError(s.T(), e.Delete(s.ctx, name))
	assert.False(s.T(), s.containerExists(name))
}

func (s *DockerEngineSuite) TestRun_ReturnsWhenContainerExits() {
	e := newEngine(s.docker, Config{Command: []string{"true"}}, s.logger)
	name := s.name()

	require.NoError(s.T(), e.Clone(s.ctx, s.testImage, name))
	defer e.Delete(context.Background(), name)

	select {
	case err := <-s.runInBackground(s.ctx, e, name):
		assert.NoError(s.T(), err)
	case <-time.After(30 * time.Second):
		s.T().Fatal("Run did not return after the container exited")
	}
}

func (s *DockerEngineSuite) TestDelete_Idempotent() {
	e := s.newTestEngine()
	name := s.name()

	require.NoError(s.T(), e.Clone(s.ctx, s.testImage, name))
	require.NoError(s.T(), e.Delete(s.ctx, name))
	assert.NoError(s.T(), e.Delete(s.ctx, name), "deleting a removed container is not an error")
}

// ---------------------------------------------------------------------------
// DinD configuration
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestDindMode_SocketMount() {
	e := s.newTestEngine()
	e.dind = true
	name := s.name()

	require.NoError(s.T(), e.Clone(s.ctx, s.testImage, name))
	defer e.Delete(context.Background(), name)

	info, err := s.docker.ContainerInspect(s.ctx, name)
	require.NoError(s.T(), err)

	assert.Contains(s.T(), info.HostConfig.Binds, "/var/run/docker.sock:/var/run/docker.sock")
	assert.Contains(s.T(), info.Config.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	assert.Contains(s.T(), info.Config.Env, "RUNNER_ALLOW_RUNASROOT=1")
	assert.Equal(s.T(), "root", info.Config.User)
}

func (s *DockerEngineSuite) TestNonDindMode_NoSocketMount() {
	e := s.newTestEngine()
	name := s.name()

	require.NoError(s.T(), e.Clone(s.ctx, s.testImage, name))
	defer e.Delete(context.Background(), name)

	info, err := s.docker.ContainerInspect(s.ctx, name)
	require.NoError(s.T(), err)
	for _, bind := range info.HostConfig.Binds {
		assert.NotContains(s.T(), bind, "docker.sock",
			"non-DinD container should not have Docker socket mount")
	}
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestExecutor_CopyAndExecute() {
	e := s.newTestEngine()
	x := NewExecutor(e)
	name := s.name()

	require.NoError(s.T(), e.Clone(s.ctx, s.testImage, name))
	defer e.Delete(context.Background(), name)

	runCtx, stop := context.WithCancel(s.ctx)
	defer stop()
	s.runInBackground(runCtx, e, name)

	_, err := e.ResolveAddress(s.ctx, name, 10*time.Second)
	require.NoError(s.T(), err)

	launcher := filepath.Join(s.T().TempDir(), "runner-launcher.sh")
	script := "#!/bin/sh\nfor i in 1 2 3; do echo \"line $i $2\"; done\necho oops >&2\nexit 4\n"
	require.NoError(s.T(), os.WriteFile(launcher, []byte(script), 0o755))

	target := remote.Target{Instance: name}
	require.NoError(s.T(), x.Copy(s.ctx, target, "/opt/runner", []string{launcher}))

	p, err := x.Execute(s.ctx, target, remote.Command{
		Dir:  "/opt/runner",
		Args: []string{"./runner-launcher.sh", "token", name},
	})
	require.NoError(s.T(), err)

	out, err := io.ReadAll(p.Output())
	require.NoError(s.T(), err)

	var exitErr *remote.ExitError
	require.ErrorAs(s.T(), p.Wait(), &exitErr)
	assert.Equal(s.T(), 4, exitErr.Code)

	for i := 1; i <= 3; i++ {
		assert.Contains(s.T(), string(out), fmt.Sprintf("line %d %s\n", i, name))
	}
	assert.True(s.T(), strings.Contains(string(out), "oops"))
}
