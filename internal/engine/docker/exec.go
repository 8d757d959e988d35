package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/alvicsam/cidermill/internal/remote"
)

// Executor runs commands inside runner containers with docker exec.  It
// addresses containers by Target.Instance; Address and User are ignored.
type Executor struct {
	engine *Engine
	logger *slog.Logger
}

// Compile-time check that Executor satisfies the remote.Executor interface.
var _ remote.Executor = (*Executor)(nil)

// NewExecutor returns an Executor sharing e's daemon connection.
func NewExecutor(e *Engine) *Executor {
	return &Executor{engine: e, logger: e.logger}
}

// Copy packs the files into a tar archive and extracts it at dir inside
// the container.
func (x *Executor) Copy(ctx context.Context, target remote.Target, dir string, paths []string) error {
	archive, err := tarFiles(paths)
	if err != nil {
		return err
	}

	if dir != "" && dir != "." {
		if err := x.run(ctx, target.Instance, []string{"mkdir", "-p", dir}); err != nil {
			return fmt.Errorf("creating %s in %s: %w", dir, target.Instance, err)
		}
	}

	dst := dir
	if dst == "" || dst == "." {
		dst, err = x.workdir(ctx, target.Instance)
		if err != nil {
			return err
		}
	}

	if err := x.engine.client.CopyToContainer(ctx, target.Instance, dst, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container %s: %w", target.Instance, err)
	}
	x.logger.Debug("copied files to container",
		slog.String("instance", target.Instance),
		slog.Int("files", len(paths)),
	)
	return nil
}

// Execute starts cmd in the container.  Stdout and stderr are
// demultiplexed into one stream.
func (x *Executor) Execute(ctx context.Context, target remote.Target, cmd remote.Command) (remote.Process, error) {
	exec, err := x.engine.client.ContainerExecCreate(ctx, target.Instance, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd.Shell()},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", target.Instance, err)
	}

	hijack, err := x.engine.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", target.Instance, err)
	}

	pr, pw := io.Pipe()
	p := &process{output: pr, done: make(chan struct{})}

	stop := context.AfterFunc(ctx, func() { hijack.Close() })

	go func() {
		defer close(p.done)
		defer hijack.Close()

		_, copyErr := stdcopy.StdCopy(pw, pw, hijack.Reader)
		stop()
		pw.Close()

		if ctx.Err() != nil {
			p.err = ctx.Err()
			return
		}
		if copyErr != nil {
			p.err = fmt.Errorf("reading exec output: %w", copyErr)
			return
		}

		// Inspect must not be cut short by the session context.
		insp, err := x.engine.client.ContainerExecInspect(context.WithoutCancel(ctx), exec.ID)
		if err != nil {
			p.err = fmt.Errorf("exec inspect: %w", err)
			return
		}
		if insp.ExitCode != 0 {
			p.err = &remote.ExitError{Code: insp.ExitCode}
		}
	}()

	return p, nil
}

// run executes argv to completion and discards its output.
func (x *Executor) run(ctx context.Context, instance string, argv []string) error {
	p, err := x.Execute(ctx, remote.Target{Instance: instance}, remote.Command{Args: argv})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, p.Output())
	return p.Wait()
}

// workdir returns the container's working directory, falling back to /.
func (x *Executor) workdir(ctx context.Context, instance string) (string, error) {
	info, err := x.engine.client.ContainerInspect(ctx, instance)
	if err != nil {
		return "", fmt.Errorf("container inspect %s: %w", instance, err)
	}
	if info.Config != nil && info.Config.WorkingDir != "" {
		return info.Config.WorkingDir, nil
	}
	return "/", nil
}

// tarFiles builds an in-memory archive holding each file under its base
// name with its permission bits.
func tarFiles(paths []string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		hdr := &tar.Header{
			Name:    filepath.Base(p),
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", p, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return &buf, nil
}

type process struct {
	output io.Reader
	done   chan struct{}
	err    error
}

func (p *process) Output() io.Reader { return p.output }

func (p *process) Wait() error {
	<-p.done
	return p.err
}
