// Package sshexec implements remote.Executor over SSH using
// golang.org/x/crypto/ssh.  It is used for VM backends that expose the
// guest on the network (tart, gcp).
//
// Host keys are not verified: every guest is a freshly cloned, short-lived
// VM whose key cannot be known in advance.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/alvicsam/cidermill/internal/remote"
)

// Config holds SSH connection settings.
type Config struct {
	// KeyPath is a private key file (OpenSSH or PEM).  Optional when
	// Password is set.
	KeyPath string

	// Password enables password authentication.
	Password string

	// Port is used when the target address carries no port.  Default: 22.
	Port int

	// DialTimeout bounds the TCP connect and SSH handshake.  Default: 10s.
	DialTimeout time.Duration
}

// Executor runs commands on guests over SSH.
type Executor struct {
	auth        []ssh.AuthMethod
	port        int
	dialTimeout time.Duration
	logger      *slog.Logger
}

// Compile-time check that Executor satisfies the remote.Executor interface.
var _ remote.Executor = (*Executor)(nil)

// New loads the configured credentials and returns an Executor.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	var auth []ssh.AuthMethod

	if cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key %s: %w", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no authentication method configured (key_path or password)")
	}

	return newExecutor(auth, cfg.Port, cfg.DialTimeout, logger), nil
}

func newExecutor(auth []ssh.AuthMethod, port int, dialTimeout time.Duration, logger *slog.Logger) *Executor {
	if port == 0 {
		port = 22
	}
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	return &Executor{
		auth:        auth,
		port:        port,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Copy streams each file through `cat` into dir on the guest.
func (e *Executor) Copy(ctx context.Context, target remote.Target, dir string, paths []string) error {
	client, err := e.dial(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	for _, p := range paths {
		if err := copyFile(client, dir, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		e.logger.Debug("copied file to guest",
			slog.String("instance", target.Instance),
			slog.String("file", filepath.Base(p)),
		)
	}
	return nil
}

func copyFile(client *ssh.Client, dir, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	dst := path.Join(dir, filepath.Base(localPath))
	var stderr bytes.Buffer
	session.Stdin = f
	session.Stderr = &stderr

	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %04o %s",
		remote.Quote(dir), remote.Quote(dst), info.Mode().Perm(), remote.Quote(dst))
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("copy %s to %s: %w: %s", localPath, dst, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Execute starts cmd in a new SSH session.  Stdout and stderr share one
// stream.
func (e *Executor) Execute(ctx context.Context, target remote.Target, cmd remote.Command) (remote.Process, error) {
	client, err := e.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Start(cmd.Shell()); err != nil {
		client.Close()
		return nil, fmt.Errorf("starting remote command: %w", err)
	}

	p := &process{
		output: pr,
		done:   make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
	})

	go func() {
		err := session.Wait()
		stop()
		client.Close()

		p.mu.Lock()
		p.err = exitError(err)
		p.mu.Unlock()

		pw.Close()
		close(p.done)
	}()

	return p, nil
}

// dial connects and authenticates.  The address may already carry a port.
func (e *Executor) dial(ctx context.Context, target remote.Target) (*ssh.Client, error) {
	addr := target.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(e.port))
	}

	d := net.Dialer{Timeout: e.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            e.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.dialTimeout,
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

type process struct {
	output io.Reader
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *process) Output() io.Reader { return p.output }

func (p *process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func exitError(err error) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &remote.ExitError{Code: exitErr.ExitStatus()}
	}
	return err
}
